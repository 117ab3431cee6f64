package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gigapi/gigapi-ingest/config"
	"github.com/gigapi/gigapi-ingest/loader"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{"transactions": {"transaction_id": "int", "transaction_amount": "float"}}`

func TestServiceLoadsDiscoveredBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/lake/2024-03-01/07/transactions.csv",
		[]byte("transaction_id,transaction_amount\n1,50\n2,10\n"), 0644))

	svc, err := New(testConfig(t), WithFs(fs), WithClock(clockAt(7)), WithProbe(stableProbe{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.Stats().Snapshot().TablesLoaded == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ok, err := afero.Exists(fs, "/wh/transactions/data_2024-03-01_7.parquet")
	require.NoError(t, err)
	assert.True(t, ok)
	meta, err := loader.ReadMetadata(fs, "/wh/transactions")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.RowCount)

	st := svc.Status()
	assert.Equal(t, "2024-03-01/07", st.Partition)
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(1), st.Stats.BatchesDiscovered)
	assert.Equal(t, int64(1), st.Stats.BatchesSucceeded)
	assert.Empty(t, st.Notifications)
}

func TestServiceNotifiesDiscoveryErrors(t *testing.T) {
	fs := &brokenDirFs{Fs: afero.NewMemMapFs(), dir: "/lake/2024-03-01/07"}

	svc, err := New(testConfig(t), WithFs(fs), WithClock(clockAt(7)), WithProbe(stableProbe{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(svc.Status().Notifications) > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	st := svc.Status()
	assert.False(t, st.Healthy)
	assert.Equal(t, "Streaming Failure", st.Notifications[0].Subject)
	assert.Contains(t, st.Notifications[0].Body, "Error during streaming loop:")
	assert.GreaterOrEqual(t, st.Stats.DiscoveryErrors, int64(1))
	assert.Zero(t, st.Stats.BatchesDiscovered)
}

func TestServiceStopsWithoutFiles(t *testing.T) {
	svc, err := New(testConfig(t), WithFs(afero.NewMemMapFs()), WithClock(clockAt(7)), WithProbe(stableProbe{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Run(ctx))
	assert.Zero(t, svc.Stats().Snapshot().BatchesDiscovered)
	assert.True(t, svc.Healthy())
}

func TestNewRequiresVerifierForVerify(t *testing.T) {
	cfg := testConfig(t)
	cfg.Destination.Verify = true
	_, err := New(cfg, WithFs(afero.NewMemMapFs()))
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("INGEST_DATALAKE_SRC_TABLES_SCHEMA", testSchema)
	t.Setenv("INGEST_DATALAKE_MAIN_DIR", "/lake")
	t.Setenv("INGEST_DATALAKE_DATE", "2024-03-01")
	t.Setenv("INGEST_DATALAKE_HOUR", "7")
	t.Setenv("INGEST_DATALAKE_IDLE_INTERVAL", "5ms")
	t.Setenv("INGEST_DESTINATION_ROOT", "/wh")
	t.Setenv("INGEST_PIPELINE_RETRY_DELAY", "1ms")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func clockAt(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2024, 3, 1, hour, 30, 0, 0, time.Local)
	}
}

type stableProbe struct{}

func (stableProbe) IsStable(ctx context.Context, path string) bool { return true }

// brokenDirFs fails to open one directory with an error other than
// not-exist.
type brokenDirFs struct {
	afero.Fs
	dir string
}

func (f *brokenDirFs) Open(name string) (afero.File, error) {
	if filepath.Clean(name) == f.dir {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("input/output error")}
	}
	return f.Fs.Open(name)
}
