package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

// Stats counts pipeline activity. All methods are safe for concurrent use.
type Stats struct {
	batchesDiscovered atomic.Int64
	batchesSucceeded  atomic.Int64
	batchesFailed     atomic.Int64
	attempts          atomic.Int64
	attemptsFailed    atomic.Int64
	tablesLoaded      atomic.Int64
	tablesUnsaved     atomic.Int64
	rowsLoaded        atomic.Int64
	discoveryErrors   atomic.Int64

	mtx     sync.Mutex
	dropped map[string]int64
	last    time.Time

	startTime time.Time
}

func NewStats() *Stats {
	return &Stats{
		dropped:   make(map[string]int64),
		startTime: time.Now(),
	}
}

func (s *Stats) BatchDiscovered() { s.batchesDiscovered.Add(1) }
func (s *Stats) DiscoveryFailed() { s.discoveryErrors.Add(1) }
func (s *Stats) AttemptStarted() { s.attempts.Add(1) }
func (s *Stats) AttemptFailed() { s.attemptsFailed.Add(1) }
func (s *Stats) TableUnsaved() { s.tablesUnsaved.Add(1) }

func (s *Stats) TableLoaded(rows int) {
	s.tablesLoaded.Add(1)
	s.rowsLoaded.Add(int64(rows))
}

func (s *Stats) TableDropped(kind core.Kind) {
	s.mtx.Lock()
	s.dropped[kind.String()]++
	s.mtx.Unlock()
}

// BatchFinished records the terminal state of a batch.
func (s *Stats) BatchFinished(o BatchOutcome) {
	if o.Succeeded() {
		s.batchesSucceeded.Add(1)
	} else {
		s.batchesFailed.Add(1)
	}
	s.mtx.Lock()
	s.last = time.Now()
	s.mtx.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BatchesDiscovered int64            `json:"batches_discovered"`
	BatchesSucceeded  int64            `json:"batches_succeeded"`
	BatchesFailed     int64            `json:"batches_failed"`
	Attempts          int64            `json:"attempts"`
	AttemptsFailed    int64            `json:"attempts_failed"`
	TablesLoaded      int64            `json:"tables_loaded"`
	TablesUnsaved     int64            `json:"tables_unsaved"`
	TablesDropped     map[string]int64 `json:"tables_dropped"`
	RowsLoaded        int64            `json:"rows_loaded"`
	DiscoveryErrors   int64            `json:"discovery_errors"`
	LastBatch         string           `json:"last_batch,omitempty"`
	Uptime            string           `json:"uptime"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mtx.Lock()
	dropped := make(map[string]int64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	var last string
	if !s.last.IsZero() {
		last = s.last.UTC().Format(time.RFC3339)
	}
	s.mtx.Unlock()

	return Snapshot{
		BatchesDiscovered: s.batchesDiscovered.Load(),
		BatchesSucceeded:  s.batchesSucceeded.Load(),
		BatchesFailed:     s.batchesFailed.Load(),
		Attempts:          s.attempts.Load(),
		AttemptsFailed:    s.attemptsFailed.Load(),
		TablesLoaded:      s.tablesLoaded.Load(),
		TablesUnsaved:     s.tablesUnsaved.Load(),
		TablesDropped:     dropped,
		RowsLoaded:        s.rowsLoaded.Load(),
		DiscoveryErrors:   s.discoveryErrors.Load(),
		LastBatch:         last,
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
	}
}
