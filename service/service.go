package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-ingest/config"
	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/datalake"
	"github.com/gigapi/gigapi-ingest/loader"
	"github.com/gigapi/gigapi-ingest/notify"
	"github.com/gigapi/gigapi-ingest/pipeline"
	"github.com/gigapi/gigapi-ingest/quality"
	"github.com/gigapi/gigapi-ingest/stream"
	"github.com/gigapi/gigapi-ingest/transform"
	"github.com/spf13/afero"
)

const recentNotifications = 50

// Service runs discovery on one goroutine and hands batches to the worker
// pool.
type Service struct {
	cfg          *config.Config
	fs           afero.Fs
	now          func() time.Time
	probe        core.StabilityProbe
	notifier     core.Notifier
	query        core.QueryClient
	watcher      *stream.Watcher
	orchestrator *pipeline.Orchestrator
	recorder     *notify.Recorder
	stats        *pipeline.Stats
	idle         func(ctx context.Context) error

	healthy atomic.Bool
}

type Option func(*Service)

// WithFs replaces the OS filesystem for both datalake and destination.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) {
		s.fs = fs
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithProbe(p core.StabilityProbe) Option {
	return func(s *Service) {
		s.probe = p
	}
}

// WithNotifier replaces the notifier selected from the email config.
func WithNotifier(n core.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithQueryClient sets the client serving queries over the destination.
// With destination.verify on it also verifies loads, if it can count rows.
func WithQueryClient(q core.QueryClient) Option {
	return func(s *Service) {
		s.query = q
	}
}

func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:   cfg,
		fs:    afero.NewOsFs(),
		now:   time.Now,
		stats: pipeline.NewStats(),
	}
	for _, o := range opts {
		o(s)
	}

	start, err := cfg.StartPartition()
	if err != nil {
		return nil, err
	}
	csvComma, err := datalake.ParseDelimiter(cfg.Datalake.CSVDelimiter)
	if err != nil {
		return nil, err
	}
	txtComma, err := datalake.ParseDelimiter(cfg.Datalake.TXTDelimiter)
	if err != nil {
		return nil, err
	}
	compression, err := loader.ParseCompression(cfg.Destination.Compression)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	if s.notifier == nil {
		s.notifier = notifierFor(cfg.Email)
	}
	s.recorder = notify.NewRecorder(s.notifier, recentNotifications)
	if s.probe == nil {
		s.probe = stream.NewStatProbe(s.fs, cfg.Datalake.StabilityWindow)
	}
	interval := cfg.Datalake.IdleInterval
	s.idle = func(ctx context.Context) error {
		return stream.Sleep(ctx, interval)
	}

	cursor := stream.NewTimeCursor(start, s.now)
	s.watcher = stream.NewWatcher(s.fs, cfg.Datalake.MainDir, cursor, s.probe, stream.WithIdlePause(s.idle))

	deps := pipeline.Deps{
		Extractor:   datalake.NewExtractor(s.fs, cfg.Datalake.MainDir, datalake.WithDelimiters(csvComma, txtComma)),
		Checker:     quality.NewGate(cfg.Schema(), s.now),
		Transformer: transform.NewDispatcher(transform.DefaultRegistry(), transform.WithClock(s.now)),
		Loader:      loader.NewParquetLoader(s.fs, cfg.Destination.Root, loader.WithCompression(compression)),
		Notifier:    s.recorder,
	}
	if cfg.Destination.Verify {
		v, ok := s.query.(core.Verifier)
		if !ok {
			return nil, fmt.Errorf("destination.verify requires a query client that counts rows")
		}
		deps.Verifier = v
	}
	s.orchestrator, err = pipeline.NewOrchestrator(deps,
		pipeline.WithRetryPolicy(policy),
		pipeline.WithStats(s.stats))
	if err != nil {
		return nil, err
	}
	s.healthy.Store(true)
	return s, nil
}

func notifierFor(cfg config.EmailConfig) core.Notifier {
	if cfg.SMTPServer == "" {
		return notify.LogNotifier{}
	}
	return notify.NewSMTPNotifier(cfg.SMTPServer, cfg.SMTPPort, cfg.Sender, cfg.Password, cfg.Recipient)
}

// Run discovers batches until ctx is done, then waits for the submitted
// batches to finish.
func (s *Service) Run(ctx context.Context) error {
	// batches already handed to the pool finish even after ctx ends
	pool := pipeline.NewPool(context.WithoutCancel(ctx), s.orchestrator,
		s.cfg.Pipeline.Workers, s.cfg.Pipeline.QueueSize,
		pipeline.WithOutcomeHandler(s.onOutcome))

	dctx := core.WithDefaultLogger(ctx, "stream")
	core.Infof(dctx, "Streaming %s from %s", s.cfg.Datalake.MainDir, s.watcher.Cursor().Partition())
	for {
		batch, err := s.watcher.DiscoverBatch(dctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.healthy.Store(false)
			s.stats.DiscoveryFailed()
			core.Errorf(dctx, "Error during streaming loop: %v", err)
			if nerr := s.recorder.Notify(dctx, "Streaming Failure",
				fmt.Sprintf("Error during streaming loop:\n\n%v", err)); nerr != nil {
				core.Errorf(dctx, "Failed to send notification: %v", nerr)
			}
			if err := s.idle(ctx); err != nil {
				break
			}
			continue
		}
		s.healthy.Store(true)
		s.stats.BatchDiscovered()
		if err := pool.Submit(ctx, batch); err != nil {
			break
		}
	}

	core.Infof(dctx, "Streaming stopped, waiting for running batches")
	return pool.Close()
}

func (s *Service) onOutcome(o pipeline.BatchOutcome) {
	ctx := core.WithDefaultLogger(context.Background(), "run-"+shortID(o.RunID))
	switch o.State {
	case pipeline.StateSucceeded:
		core.Debugf(ctx, "Batch %s done: %d loaded, %d dropped, %d unsaved", o.Partition,
			o.Loaded(), o.Count(pipeline.TableDropped)+o.Count(pipeline.TableEmpty), o.Count(pipeline.TableUnsaved))
	default:
		core.Warnf(ctx, "Batch %s ended %s after %d attempts: %v", o.Partition, o.State, o.Attempts, o.Err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Status is what the operator endpoints report.
type Status struct {
	Partition     string            `json:"partition"`
	Healthy       bool              `json:"healthy"`
	Stats         pipeline.Snapshot `json:"stats"`
	Notifications []notify.Message  `json:"notifications"`
}

func (s *Service) Status() Status {
	return Status{
		Partition:     s.watcher.Cursor().Partition().String(),
		Healthy:       s.healthy.Load(),
		Stats:         s.stats.Snapshot(),
		Notifications: s.recorder.Messages(),
	}
}

// Healthy is false after a discovery error until the next successful poll.
func (s *Service) Healthy() bool {
	return s.healthy.Load()
}

func (s *Service) Stats() *pipeline.Stats {
	return s.stats
}

// QueryClient returns the configured query client, or nil.
func (s *Service) QueryClient() core.QueryClient {
	return s.query
}
