package loader

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
)

var _ core.Loader = (*ParquetLoader)(nil)

// PartitionPath returns {root}/{table}/data_{date}_{hour}.parquet. The hour
// is not zero padded.
func PartitionPath(root, table string, p core.Partition) string {
	return filepath.Join(root, table, fmt.Sprintf("data_%s_%d.parquet", p.DateString(), p.Hour))
}

// ParseCompression maps a codec name to a parquet compression codec.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression %q", name)
}

// ParquetLoader writes datasets as parquet files, one per table and
// partition, and keeps a manifest per table.
type ParquetLoader struct {
	fs          afero.Fs
	root        string
	compression compress.Compression
	mem         memory.Allocator

	// serializes manifest updates of concurrent pipeline runs
	mtx sync.Mutex
}

type Option func(*ParquetLoader)

func WithCompression(c compress.Compression) Option {
	return func(l *ParquetLoader) {
		l.compression = c
	}
}

func WithAllocator(mem memory.Allocator) Option {
	return func(l *ParquetLoader) {
		l.mem = mem
	}
}

func NewParquetLoader(fs afero.Fs, root string, opts ...Option) *ParquetLoader {
	l := &ParquetLoader{
		fs:          fs,
		root:        root,
		compression: compress.Codecs.Snappy,
		mem:         memory.DefaultAllocator,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *ParquetLoader) Root() string {
	return l.root
}

// Load writes ds to its partition path, replacing an earlier file of the
// same partition. The file is written under tmp/ and renamed into place.
func (l *ParquetLoader) Load(ctx context.Context, ds *core.Dataset, p core.Partition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Fatal(err)
	}
	data, err := l.encode(ds)
	if err != nil {
		return "", core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to encode parquet: %w", err))
	}

	dest := PartitionPath(l.root, ds.Table, p)
	tableDir := filepath.Dir(dest)
	tmpDir := filepath.Join(tableDir, "tmp")
	if err := l.fs.MkdirAll(tmpDir, 0755); err != nil {
		return "", core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to create %s: %w", tmpDir, err))
	}
	tmp := filepath.Join(tmpDir, filepath.Base(dest))
	if err := afero.WriteFile(l.fs, tmp, data, 0644); err != nil {
		return "", core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to write %s: %w", tmp, err))
	}
	if err := l.fs.Rename(tmp, dest); err != nil {
		_ = l.fs.Remove(tmp)
		return "", core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to move %s into place: %w", dest, err))
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()
	meta, err := ReadMetadata(l.fs, tableDir)
	if err != nil {
		return dest, core.NewError(core.KindLoad, ds.Table, err)
	}
	meta.Type = ds.Table
	meta.Upsert(NewParquetFile(dest, p, int64(len(data)), int64(ds.Len())))
	if err := WriteMetadata(l.fs, tableDir, meta); err != nil {
		return dest, core.NewError(core.KindLoad, ds.Table, fmt.Errorf("failed to update metadata: %w", err))
	}
	return dest, nil
}

func (l *ParquetLoader) encode(ds *core.Dataset) ([]byte, error) {
	rec, err := DatasetToRecord(l.mem, ds)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(l.compression),
		parquet.WithAllocator(l.mem),
	)
	fw, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
