package loader

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionPath(t *testing.T) {
	tests := []struct {
		name string
		date string
		hour int
		want string
	}{
		{name: "Single digit hour", date: "2024-03-01", hour: 7, want: "/wh/loans/data_2024-03-01_7.parquet"},
		{name: "Two digit hour", date: "2024-03-01", hour: 17, want: "/wh/loans/data_2024-03-01_17.parquet"},
		{name: "Midnight", date: "2024-03-02", hour: 0, want: "/wh/loans/data_2024-03-02_0.parquet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := core.NewPartition(tt.date, tt.hour)
			require.NoError(t, err)
			assert.Equal(t, tt.want, PartitionPath("/wh", "loans", p))
		})
	}
}

func TestInferTypeFromColumn(t *testing.T) {
	rows := []core.Row{
		{"i": int64(1), "f": 1.5, "mix": int64(1), "b": true, "ts": time.Now(), "s": "x", "odd": int64(1), "null": nil},
		{"i": nil, "f": nil, "mix": 2.5, "b": false, "ts": nil, "s": nil, "odd": "y", "null": nil},
	}
	tests := []struct {
		column string
		want   arrow.Type
	}{
		{"i", arrow.INT64},
		{"f", arrow.FLOAT64},
		{"mix", arrow.FLOAT64},
		{"b", arrow.BOOL},
		{"ts", arrow.TIMESTAMP},
		{"s", arrow.STRING},
		{"odd", arrow.STRING},
		{"null", arrow.STRING},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTypeFromColumn(tt.column, rows).ID())
		})
	}
}

func TestDatasetToRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ts := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	ds := core.NewDataset("transactions", "id", "amount", "paid", "at", "note")
	ds.AppendRow(core.Row{"id": int64(1), "amount": 5.5, "paid": true, "at": ts, "note": "a"})
	ds.AppendRow(core.Row{"id": int64(2), "amount": nil, "paid": false, "at": nil, "note": nil})

	rec, err := DatasetToRecord(mem, ds)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(5), rec.NumCols())
	assert.Equal(t, []int64{1, 2}, rec.Column(0).(*array.Int64).Int64Values())
	assert.True(t, rec.Column(1).IsNull(1))
	assert.Equal(t, arrow.Timestamp(ts.UnixMicro()), rec.Column(3).(*array.Timestamp).Value(0))
	assert.Equal(t, "a", rec.Column(4).(*array.String).Value(0))
}

func TestParquetLoaderLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewParquetLoader(fs, "/wh")
	p, err := core.NewPartition("2024-03-01", 7)
	require.NoError(t, err)

	ds := core.NewDataset("transactions", "transaction_id", "cost", "partition_date")
	ds.AppendRow(core.Row{"transaction_id": int64(1), "cost": 5.5, "partition_date": "2024-03-01"})
	ds.AppendRow(core.Row{"transaction_id": int64(2), "cost": 1.5, "partition_date": "2024-03-01"})

	path, err := l.Load(context.Background(), ds, p)
	require.NoError(t, err)
	assert.Equal(t, "/wh/transactions/data_2024-03-01_7.parquet", path)

	tbl := readParquet(t, fs, path)
	defer tbl.Release()
	assert.Equal(t, int64(2), tbl.NumRows())
	assert.Equal(t, "transaction_id", tbl.Schema().Field(0).Name)
	assert.Equal(t, arrow.FLOAT64, tbl.Schema().Field(1).Type.ID())

	tmpEntries, err := afero.ReadDir(fs, "/wh/transactions/tmp")
	require.NoError(t, err)
	assert.Empty(t, tmpEntries)

	meta, err := ReadMetadata(fs, "/wh/transactions")
	require.NoError(t, err)
	require.Len(t, meta.Files, 1)
	assert.Equal(t, int64(2), meta.RowCount)
	assert.Equal(t, "2024-03-01/07", meta.Files[0].Partition)
	assert.Equal(t, p.Start().UnixNano(), meta.MinTime)

	// redelivery of the same partition replaces file and manifest entry
	ds.AppendRow(core.Row{"transaction_id": int64(3), "cost": 0.5, "partition_date": "2024-03-01"})
	_, err = l.Load(context.Background(), ds, p)
	require.NoError(t, err)
	meta, err = ReadMetadata(fs, "/wh/transactions")
	require.NoError(t, err)
	require.Len(t, meta.Files, 1)
	assert.Equal(t, int64(3), meta.RowCount)

	next := p.Next()
	_, err = l.Load(context.Background(), ds, next)
	require.NoError(t, err)
	meta, err = ReadMetadata(fs, "/wh/transactions")
	require.NoError(t, err)
	assert.Len(t, meta.Files, 2)
	assert.Equal(t, int64(6), meta.RowCount)
	assert.Equal(t, []string{"/wh/transactions/data_2024-03-01_8.parquet"},
		meta.Paths(next.Start().UnixNano(), 0))
}

func TestParquetLoaderEmptyDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewParquetLoader(fs, "/wh")
	p, err := core.NewPartition("2024-03-01", 7)
	require.NoError(t, err)

	path, err := l.Load(context.Background(), core.NewDataset("loans", "loan_id"), p)
	require.NoError(t, err)
	tbl := readParquet(t, fs, path)
	defer tbl.Release()
	assert.Equal(t, int64(0), tbl.NumRows())
}

func TestParquetLoaderReadOnlyFs(t *testing.T) {
	l := NewParquetLoader(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/wh")
	p, err := core.NewPartition("2024-03-01", 7)
	require.NoError(t, err)
	ds := core.NewDataset("loans", "loan_id")
	ds.AppendRow(core.Row{"loan_id": int64(1)})

	_, err = l.Load(context.Background(), ds, p)
	require.Error(t, err)
	assert.Equal(t, core.KindLoad, core.KindOf(err, core.KindUnknown))
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"", "snappy", "GZIP", "zstd", "brotli", "none"} {
		_, err := ParseCompression(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseCompression("lzma")
	assert.Error(t, err)
}

func readParquet(t *testing.T, fs afero.Fs, path string) arrow.Table {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	return tbl
}
