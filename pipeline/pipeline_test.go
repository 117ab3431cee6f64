package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/quality"
	"github.com/gigapi/gigapi-ingest/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsOnThirdAttempt(t *testing.T) {
	ext := &fakeExtractor{failFatal: 2}
	notifier := &recordingNotifier{}
	loader := &fakeLoader{}
	var delays []time.Duration

	o := newTestOrchestrator(t, Deps{
		Extractor: ext, Checker: passChecker{}, Transformer: passTransformer{}, Loader: loader, Notifier: notifier,
	}, WithSleep(recordSleep(&delays)))

	out := o.Run(context.Background(), testBatch(t, "transactions.csv"))
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, out.Loaded())
	assert.Equal(t, []string{"Pipeline Failure - Attempt 1", "Pipeline Failure - Attempt 2"}, notifier.subjects())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
	assert.Equal(t, 1, loader.calls())
	assert.NotEmpty(t, out.RunID)
}

func TestRunExhaustsAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max %d", maxAttempts), func(t *testing.T) {
			ext := &fakeExtractor{failFatal: 100}
			notifier := &recordingNotifier{}
			loader := &fakeLoader{}
			policy := DefaultRetryPolicy()
			policy.MaxAttempts = maxAttempts

			o := newTestOrchestrator(t, Deps{
				Extractor: ext, Checker: passChecker{}, Transformer: passTransformer{}, Loader: loader, Notifier: notifier,
			}, WithRetryPolicy(policy), WithSleep(noSleep))

			p, err := core.NewPartition("2024-02-03", 4)
			require.NoError(t, err)
			batch := core.Batch{Partition: p, Files: map[string]string{"loans.csv": "/in/loans.csv"}}

			out := o.Run(context.Background(), batch)
			assert.Equal(t, StateFailedFinal, out.State)
			assert.Equal(t, maxAttempts, out.Attempts)
			assert.Error(t, out.Err)
			assert.Equal(t, 0, loader.calls())

			subjects := notifier.subjects()
			require.Len(t, subjects, maxAttempts+1)
			for i := 0; i < maxAttempts; i++ {
				assert.Equal(t, fmt.Sprintf("Pipeline Failure - Attempt %d", i+1), subjects[i])
			}
			assert.Equal(t, "Pipeline Failure - Max Retries Reached", subjects[maxAttempts])
			assert.Equal(t, fmt.Sprintf("Pipeline failed after %d attempts for date=2024-02-03 hour=4.", maxAttempts),
				notifier.bodies()[maxAttempts])
			assert.Contains(t, notifier.bodies()[0], "Pipeline failed on attempt 1:\n\n")
		})
	}
}

func TestRunIsolatesTableFailures(t *testing.T) {
	ext := &fakeExtractor{
		errs: map[string]error{
			"broken": core.NewError(core.KindExtraction, "broken", errors.New("malformed csv")),
		},
		empty: map[string]bool{"empty": true},
	}
	checker := &failingChecker{fail: map[string]bool{"bad_schema": true}}
	transformer := &failingTransformer{fail: map[string]bool{"bad_transform": true}}
	loader := &fakeLoader{fail: map[string]bool{"unwritable": true}}
	notifier := &recordingNotifier{}

	o := newTestOrchestrator(t, Deps{
		Extractor: ext, Checker: checker, Transformer: transformer, Loader: loader, Notifier: notifier,
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t,
		"broken.csv", "bad_schema.csv", "bad_transform.json", "unwritable.txt", "good.csv", "empty.csv"))

	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, out.Loaded())

	status := map[string]TableStatus{}
	kinds := map[string]core.Kind{}
	for _, tbl := range out.Tables {
		status[tbl.Table] = tbl.Status
		kinds[tbl.Table] = tbl.Kind
	}
	assert.Equal(t, map[string]TableStatus{
		"bad_schema":    TableDropped,
		"bad_transform": TableDropped,
		"broken":        TableDropped,
		"empty":         TableEmpty,
		"good":          TableLoaded,
		"unwritable":    TableUnsaved,
	}, status)
	assert.Equal(t, core.KindExtraction, kinds["broken"])
	assert.Equal(t, core.KindSchemaMismatch, kinds["bad_schema"])
	assert.Equal(t, core.KindTransform, kinds["bad_transform"])
	assert.Equal(t, core.KindLoad, kinds["unwritable"])

	// only the check failure is notified
	assert.Equal(t, []string{"Data Quality Check Failed - bad_schema"}, notifier.subjects())
	assert.Contains(t, notifier.bodies()[0], "Error applying data quality checks for table bad_schema. Error:")

	snap := o.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.TablesLoaded)
	assert.Equal(t, int64(1), snap.TablesUnsaved)
	assert.Equal(t, int64(1), snap.TablesDropped["extraction"])
	assert.Equal(t, int64(1), snap.BatchesSucceeded)
}

func TestRunDuplicateTableFiles(t *testing.T) {
	loader := &fakeLoader{}
	o := newTestOrchestrator(t, Deps{
		Extractor: &fakeExtractor{}, Checker: passChecker{}, Transformer: passTransformer{},
		Loader: loader, Notifier: &recordingNotifier{},
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t, "loans.csv", "loans.json"))
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, out.Loaded())
	assert.Equal(t, 1, out.Count(TableDropped))
	assert.Equal(t, 1, loader.calls())
}

func TestRunRecoversPanics(t *testing.T) {
	loader := &fakeLoader{panics: 1}
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, Deps{
		Extractor: &fakeExtractor{}, Checker: passChecker{}, Transformer: passTransformer{},
		Loader: loader, Notifier: notifier,
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t, "transactions.csv"))
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []string{"Pipeline Failure - Attempt 1"}, notifier.subjects())
	assert.Contains(t, notifier.bodies()[0], "panic")
}

func TestRunCanceledDuringRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, Deps{
		Extractor: &fakeExtractor{failFatal: 100}, Checker: passChecker{}, Transformer: passTransformer{},
		Loader: &fakeLoader{}, Notifier: notifier,
	}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	out := o.Run(ctx, testBatch(t, "transactions.csv"))
	assert.Equal(t, StateCanceled, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []string{"Pipeline Failure - Attempt 1"}, notifier.subjects())
}

func TestRunNotifierFailureIsIgnored(t *testing.T) {
	o := newTestOrchestrator(t, Deps{
		Extractor: &fakeExtractor{failFatal: 1}, Checker: passChecker{}, Transformer: passTransformer{},
		Loader: &fakeLoader{}, Notifier: &recordingNotifier{err: errors.New("smtp down")},
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t, "transactions.csv"))
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 2, out.Attempts)
}

func TestRunVerification(t *testing.T) {
	tests := []struct {
		name     string
		verifier *fakeVerifier
		want     TableStatus
	}{
		{name: "Row count matches", verifier: &fakeVerifier{delta: 0}, want: TableLoaded},
		{name: "Row count differs", verifier: &fakeVerifier{delta: -1}, want: TableUnsaved},
		{name: "Verifier error", verifier: &fakeVerifier{err: errors.New("corrupt footer")}, want: TableUnsaved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, Deps{
				Extractor: &fakeExtractor{}, Checker: passChecker{}, Transformer: passTransformer{},
				Loader: &fakeLoader{}, Notifier: &recordingNotifier{}, Verifier: tt.verifier,
			}, WithSleep(noSleep))

			out := o.Run(context.Background(), testBatch(t, "transactions.csv"))
			require.Equal(t, StateSucceeded, out.State)
			require.Len(t, out.Tables, 1)
			assert.Equal(t, tt.want, out.Tables[0].Status)
		})
	}
}

func TestRunWithQualityGateAndTransforms(t *testing.T) {
	schema, err := quality.ParseSchema([]byte(`{"transactions": {"transaction_id": "int", "transaction_amount": "float"}}`))
	require.NoError(t, err)
	ext := &fakeExtractor{rows: []core.Row{{"transaction_id": "1", "transaction_amount": "50"}}}
	loader := &fakeLoader{}

	o := newTestOrchestrator(t, Deps{
		Extractor:   ext,
		Checker:     quality.NewGate(schema, nil),
		Transformer: transform.NewDispatcher(nil),
		Loader:      loader,
		Notifier:    &recordingNotifier{},
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t, "transactions.csv"))
	require.Equal(t, StateSucceeded, out.State)
	require.Len(t, loader.loaded, 1)
	row := loader.loaded[0].Rows[0]
	assert.Equal(t, int64(1), row["transaction_id"])
	assert.InDelta(t, 5.5, row["cost"], 1e-9)
	assert.InDelta(t, 55.5, row["total_amount"], 1e-9)
	assert.Equal(t, "2024-01-01", row[quality.ColPartitionDate])
}

func TestRunEmptyNumberFailsQualityCheck(t *testing.T) {
	schema, err := quality.ParseSchema([]byte(`{"credit_cards_billing": {
		"customer_id": "int", "month": "string", "amount_due": "float", "amount_paid": "float", "payment_date": "datetime"}}`))
	require.NoError(t, err)
	ext := &fakeExtractor{rows: []core.Row{{
		"customer_id": "1", "month": "2024-01", "amount_due": "120", "amount_paid": "", "payment_date": "2024-01-07",
	}}}
	notifier := &recordingNotifier{}
	loader := &fakeLoader{}

	o := newTestOrchestrator(t, Deps{
		Extractor:   ext,
		Checker:     quality.NewGate(schema, nil),
		Transformer: transform.NewDispatcher(nil),
		Loader:      loader,
		Notifier:    notifier,
	}, WithSleep(noSleep))

	out := o.Run(context.Background(), testBatch(t, "credit_cards_billing.csv"))
	require.Equal(t, StateSucceeded, out.State)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, TableDropped, out.Tables[0].Status)
	assert.Equal(t, core.KindTypeCoercion, out.Tables[0].Kind)
	assert.Empty(t, loader.loaded)
	assert.Equal(t, []string{"Data Quality Check Failed - credit_cards_billing"}, notifier.subjects())
	assert.Contains(t, notifier.bodies()[0], "amount_paid")
}

func TestRetryPolicyDelays(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "Fixed",
			policy: DefaultRetryPolicy(),
			want:   []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "Exponential",
			policy: RetryPolicy{MaxAttempts: 5, Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 3 * time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.policy.Validate())
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.DelayAfter(i+1))
			}
		})
	}

	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Backoff: "linear"}.Validate())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	runner := &slowRunner{delay: 10 * time.Millisecond}
	var outcomes atomic.Int64
	pool := NewPool(context.Background(), runner, 3, 4, WithOutcomeHandler(func(BatchOutcome) {
		outcomes.Add(1)
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), testBatch(t, fmt.Sprintf("t%d.csv", i))))
	}
	require.NoError(t, pool.Close())

	assert.Equal(t, int64(20), runner.done.Load())
	assert.Equal(t, int64(20), outcomes.Load())
	assert.LessOrEqual(t, runner.maxActive.Load(), int64(3))
	assert.ErrorIs(t, pool.Submit(context.Background(), testBatch(t, "late.csv")), ErrPoolClosed)
	assert.NoError(t, pool.Close())
}

func TestPoolSubmitWaitsForFreeWorker(t *testing.T) {
	runner := &gatedRunner{release: make(chan struct{}), started: make(chan struct{}, 4)}
	pool := NewPool(context.Background(), runner, 1, 0)

	require.NoError(t, pool.Submit(context.Background(), testBatch(t, "a.csv")))
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, testBatch(t, "b.csv")), context.DeadlineExceeded)

	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.Submit(context.Background(), testBatch(t, "c.csv"))
	}()
	select {
	case <-submitted:
		t.Fatal("submit returned while the only worker was busy")
	case <-time.After(20 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, <-submitted)
	require.NoError(t, pool.Close())
	assert.Equal(t, int64(2), runner.done.Load())
}

func newTestOrchestrator(t *testing.T, deps Deps, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(deps, opts...)
	require.NoError(t, err)
	return o
}

func testBatch(t *testing.T, names ...string) core.Batch {
	t.Helper()
	p, err := core.NewPartition("2024-01-01", 0)
	require.NoError(t, err)
	files := make(map[string]string, len(names))
	for _, n := range names {
		files[n] = "/in/" + n
	}
	return core.Batch{Partition: p, Files: files}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

type fakeExtractor struct {
	mtx       sync.Mutex
	failFatal int
	errs      map[string]error
	empty     map[string]bool
	rows      []core.Row
}

func (e *fakeExtractor) Extract(ctx context.Context, file core.FileDescriptor) (*core.Dataset, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.failFatal > 0 {
		e.failFatal--
		return nil, core.Fatal(errors.New("datalake unavailable"))
	}
	table := file.TableName()
	if err := e.errs[table]; err != nil {
		return nil, err
	}
	if e.rows != nil {
		ds := core.NewDataset(table)
		for c := range e.rows[0] {
			ds.Columns = append(ds.Columns, c)
		}
		for _, r := range e.rows {
			cp := core.Row{}
			for k, v := range r {
				cp[k] = v
			}
			ds.AppendRow(cp)
		}
		return ds, nil
	}
	ds := core.NewDataset(table, "id")
	if !e.empty[table] {
		ds.AppendRow(core.Row{"id": int64(1)})
	}
	return ds, nil
}

type passChecker struct{}

func (passChecker) ApplyChecks(ds *core.Dataset, table string, p core.Partition) (*core.Dataset, error) {
	return ds, nil
}

type failingChecker struct {
	fail map[string]bool
}

func (c *failingChecker) ApplyChecks(ds *core.Dataset, table string, p core.Partition) (*core.Dataset, error) {
	if c.fail[table] {
		return nil, core.NewError(core.KindSchemaMismatch, table, errors.New("column count mismatch"))
	}
	return ds, nil
}

type passTransformer struct{}

func (passTransformer) RunTransform(ctx context.Context, table string, ds *core.Dataset) (*core.Dataset, error) {
	return ds, nil
}

type failingTransformer struct {
	fail map[string]bool
}

func (f *failingTransformer) RunTransform(ctx context.Context, table string, ds *core.Dataset) (*core.Dataset, error) {
	if f.fail[table] {
		return nil, core.NewError(core.KindTransform, table, errors.New("bad date"))
	}
	return ds, nil
}

type fakeLoader struct {
	mtx    sync.Mutex
	fail   map[string]bool
	panics int
	loaded []*core.Dataset
	n      int
}

func (l *fakeLoader) Load(ctx context.Context, ds *core.Dataset, p core.Partition) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.panics > 0 {
		l.panics--
		panic("writer exploded")
	}
	l.n++
	if l.fail[ds.Table] {
		return "", core.NewError(core.KindLoad, ds.Table, errors.New("disk full"))
	}
	l.loaded = append(l.loaded, ds)
	return fmt.Sprintf("/out/%s/data_%s_%d.parquet", ds.Table, p.DateString(), p.Hour), nil
}

func (l *fakeLoader) calls() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.n
}

type fakeVerifier struct {
	delta int64
	err   error
}

func (v *fakeVerifier) CountRows(ctx context.Context, path string) (int64, error) {
	if v.err != nil {
		return 0, v.err
	}
	return 1 + v.delta, nil
}

type recordingNotifier struct {
	mtx  sync.Mutex
	msgs [][2]string
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.msgs = append(n.msgs, [2]string{subject, body})
	return n.err
}

func (n *recordingNotifier) subjects() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var res []string
	for _, m := range n.msgs {
		res = append(res, m[0])
	}
	return res
}

func (n *recordingNotifier) bodies() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var res []string
	for _, m := range n.msgs {
		res = append(res, m[1])
	}
	return res
}

type slowRunner struct {
	delay     time.Duration
	active    atomic.Int64
	maxActive atomic.Int64
	done      atomic.Int64
}

func (r *slowRunner) Run(ctx context.Context, batch core.Batch) BatchOutcome {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(r.delay)
	r.active.Add(-1)
	r.done.Add(1)
	return BatchOutcome{Partition: batch.Partition, State: StateSucceeded}
}

type gatedRunner struct {
	release chan struct{}
	started chan struct{}
	done    atomic.Int64
}

func (r *gatedRunner) Run(ctx context.Context, batch core.Batch) BatchOutcome {
	r.started <- struct{}{}
	<-r.release
	r.done.Add(1)
	return BatchOutcome{Partition: batch.Partition, State: StateSucceeded}
}
