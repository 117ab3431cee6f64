package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/google/uuid"
)

// Checker validates a table before transformation.
type Checker interface {
	ApplyChecks(ds *core.Dataset, table string, p core.Partition) (*core.Dataset, error)
}

// Transformer derives the table-specific columns.
type Transformer interface {
	RunTransform(ctx context.Context, table string, ds *core.Dataset) (*core.Dataset, error)
}

// Deps are the collaborators of an Orchestrator. Verifier is optional.
type Deps struct {
	Extractor   core.Extractor
	Checker     Checker
	Transformer Transformer
	Loader      core.Loader
	Notifier    core.Notifier
	Verifier    core.Verifier
}

// Orchestrator drives a batch through extraction, checks, transformation
// and load, retrying the whole batch on fatal failures.
type Orchestrator struct {
	deps   Deps
	policy RetryPolicy
	stats  *Stats
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

func WithStats(s *Stats) Option {
	return func(o *Orchestrator) {
		o.stats = s
	}
}

// WithSleep replaces the pause between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func NewOrchestrator(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Extractor == nil || deps.Checker == nil || deps.Transformer == nil ||
		deps.Loader == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("orchestrator requires extractor, checker, transformer, loader and notifier")
	}
	o := &Orchestrator{
		deps:   deps,
		policy: DefaultRetryPolicy(),
		stats:  NewStats(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// Run processes batch until an attempt completes, the attempts are
// exhausted or ctx ends. It does not return errors; the outcome tells.
func (o *Orchestrator) Run(ctx context.Context, batch core.Batch) BatchOutcome {
	runID := uuid.NewString()
	ctx = core.WithDefaultLogger(ctx, "run-"+runID[:8])
	outcome := BatchOutcome{
		RunID:     runID,
		Partition: batch.Partition,
	}
	defer func() {
		o.stats.BatchFinished(outcome)
	}()

	maxAttempts := o.policy.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt
		o.stats.AttemptStarted()
		core.Infof(ctx, "Processing %d files for %s (attempt %d/%d)", batch.Len(), batch.Partition, attempt, maxAttempts)

		tables, err := o.attempt(ctx, batch)
		outcome.Tables = tables
		if err == nil {
			outcome.State = StateSucceeded
			outcome.Err = nil
			core.Infof(ctx, "Saved %d out of %d tables for %s", outcome.Loaded(), len(tables), batch.Partition)
			return outcome
		}

		outcome.State = StateFailed
		outcome.Err = err
		o.stats.AttemptFailed()
		core.Errorf(ctx, "Attempt %d failed: %v", attempt, err)
		o.notify(ctx, fmt.Sprintf("Pipeline Failure - Attempt %d", attempt),
			fmt.Sprintf("Pipeline failed on attempt %d:\n\n%v", attempt, err))

		if attempt < maxAttempts {
			delay := o.policy.DelayAfter(attempt)
			core.Infof(ctx, "Retrying in %s", delay)
			if err := o.sleep(ctx, delay); err != nil {
				outcome.State = StateCanceled
				core.Warnf(ctx, "Retries for %s abandoned: %v", batch.Partition, err)
				return outcome
			}
		}
	}

	outcome.State = StateFailedFinal
	core.Errorf(ctx, "Max retries reached for %s", batch.Partition)
	o.notify(ctx, "Pipeline Failure - Max Retries Reached",
		fmt.Sprintf("Pipeline failed after %d attempts for date=%s hour=%d.",
			maxAttempts, batch.Partition.DateString(), batch.Partition.Hour))
	return outcome
}

type tableRun struct {
	outcome TableOutcome
	ds      *core.Dataset
}

// attempt runs every stage once. Per-table failures are recorded in the
// returned outcomes; the error is set only for fatal failures.
func (o *Orchestrator) attempt(ctx context.Context, batch core.Batch) (res []TableOutcome, err error) {
	stage := StateExtracting
	defer func() {
		if r := recover(); r != nil {
			core.Debugf(ctx, "panic stack: %s", debug.Stack())
			err = core.Fatal(fmt.Errorf("%s: panic: %v", stage, r))
		}
	}()

	runs, err := o.extract(ctx, batch)
	if err != nil {
		return collect(runs), err
	}

	stage = StateChecking
	for _, r := range live(runs) {
		ds, cerr := o.deps.Checker.ApplyChecks(r.ds, r.outcome.Table, batch.Partition)
		if cerr != nil {
			if core.KindOf(cerr, core.KindSchemaMismatch) == core.KindFatal {
				return collect(runs), fmt.Errorf("%s %s: %w", stage, r.outcome.Table, cerr)
			}
			o.drop(r, core.KindOf(cerr, core.KindSchemaMismatch), cerr)
			core.Errorf(ctx, "Data quality check failed for table %s: %v", r.outcome.Table, cerr)
			o.notify(ctx, fmt.Sprintf("Data Quality Check Failed - %s", r.outcome.Table),
				fmt.Sprintf("Error applying data quality checks for table %s. Error: %v", r.outcome.Table, cerr))
			continue
		}
		if ds.Len() == 0 {
			r.ds = nil
			r.outcome.Status = TableEmpty
			core.Infof(ctx, "Table %s is empty after checks, skipping", r.outcome.Table)
			continue
		}
		r.ds = ds
	}

	stage = StateTransforming
	for _, r := range live(runs) {
		ds, terr := o.deps.Transformer.RunTransform(ctx, r.outcome.Table, r.ds)
		if terr != nil {
			if core.KindOf(terr, core.KindTransform) == core.KindFatal {
				return collect(runs), fmt.Errorf("%s %s: %w", stage, r.outcome.Table, terr)
			}
			o.drop(r, core.KindTransform, terr)
			core.Errorf(ctx, "Transformation failed for table %s: %v", r.outcome.Table, terr)
			continue
		}
		r.ds = ds
	}

	stage = StateLoading
	for _, r := range live(runs) {
		path, lerr := o.load(ctx, r.ds, batch.Partition)
		if lerr != nil {
			if core.KindOf(lerr, core.KindLoad) == core.KindFatal {
				return collect(runs), fmt.Errorf("%s %s: %w", stage, r.outcome.Table, lerr)
			}
			r.outcome.Status = TableUnsaved
			r.outcome.Kind = core.KindLoad
			r.outcome.Err = lerr
			o.stats.TableUnsaved()
			core.Errorf(ctx, "Failed to save table %s: %v", r.outcome.Table, lerr)
			continue
		}
		r.outcome.Status = TableLoaded
		r.outcome.Rows = r.ds.Len()
		r.outcome.Path = path
		o.stats.TableLoaded(r.ds.Len())
		core.Infof(ctx, "Saved table %s (%d rows) to %s", r.outcome.Table, r.ds.Len(), path)
	}
	return collect(runs), nil
}

func (o *Orchestrator) extract(ctx context.Context, batch core.Batch) ([]*tableRun, error) {
	var runs []*tableRun
	seen := make(map[string]bool)
	for _, file := range batch.Descriptors() {
		r := &tableRun{outcome: TableOutcome{Table: file.TableName(), File: file.Name}}
		runs = append(runs, r)
		if seen[r.outcome.Table] {
			o.drop(r, core.KindExtraction, fmt.Errorf("duplicate file %s for table %s", file.Name, r.outcome.Table))
			core.Warnf(ctx, "Skipping %s: table %s already extracted from another file", file.Name, r.outcome.Table)
			continue
		}
		seen[r.outcome.Table] = true

		ds, err := o.deps.Extractor.Extract(ctx, file)
		if err != nil {
			if core.KindOf(err, core.KindExtraction) == core.KindFatal {
				return runs, fmt.Errorf("%s %s: %w", StateExtracting, file.Name, err)
			}
			o.drop(r, core.KindExtraction, err)
			core.Errorf(ctx, "Error extracting %s: %v", file.Name, err)
			continue
		}
		r.ds = ds
		core.Infof(ctx, "Extracted table %s with %d rows", r.outcome.Table, ds.Len())
	}
	return runs, nil
}

func (o *Orchestrator) load(ctx context.Context, ds *core.Dataset, p core.Partition) (string, error) {
	path, err := o.deps.Loader.Load(ctx, ds, p)
	if err != nil {
		return "", err
	}
	if o.deps.Verifier == nil {
		return path, nil
	}
	n, err := o.deps.Verifier.CountRows(ctx, path)
	if err != nil {
		return path, core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to verify %s: %w", path, err))
	}
	if n != int64(ds.Len()) {
		return path, core.NewError(core.KindLoad, ds.Table,
			fmt.Errorf("verification of %s failed: %d rows written, %d expected", path, n, ds.Len()))
	}
	return path, nil
}

func (o *Orchestrator) drop(r *tableRun, kind core.Kind, err error) {
	r.ds = nil
	r.outcome.Status = TableDropped
	r.outcome.Kind = kind
	r.outcome.Err = err
	o.stats.TableDropped(kind)
}

// notify never fails the pipeline; delivery errors are logged.
func (o *Orchestrator) notify(ctx context.Context, subject, body string) {
	if err := o.deps.Notifier.Notify(ctx, subject, body); err != nil {
		core.Errorf(ctx, "Failed to send notification %q: %v", subject, err)
	}
}

func live(runs []*tableRun) []*tableRun {
	var res []*tableRun
	for _, r := range runs {
		if r.ds != nil {
			res = append(res, r)
		}
	}
	return res
}

func collect(runs []*tableRun) []TableOutcome {
	res := make([]TableOutcome, len(runs))
	for i, r := range runs {
		res[i] = r.outcome
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
