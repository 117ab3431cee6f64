package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
)

const MetadataFileName = "metadata.json"

// MetadataFile is the per-table manifest of loaded partitions.
type MetadataFile struct {
	Type             string        `json:"type"`
	ParquetSizeBytes int64         `json:"parquet_size_bytes"`
	RowCount         int64         `json:"row_count"`
	MinTime          int64         `json:"min_time"`
	MaxTime          int64         `json:"max_time"`
	Files            []ParquetFile `json:"files"`
}

// ParquetFile is one loaded partition file.
type ParquetFile struct {
	Path      string `json:"path"`
	Partition string `json:"partition"`
	SizeBytes int64  `json:"size_bytes"`
	RowCount  int64  `json:"row_count"`
	MinTime   int64  `json:"min_time"`
	MaxTime   int64  `json:"max_time"`
}

// NewParquetFile describes a file holding partition p. The time range spans
// the partition hour in nanoseconds.
func NewParquetFile(path string, p core.Partition, size, rows int64) ParquetFile {
	start := p.Start()
	return ParquetFile{
		Path:      path,
		Partition: p.String(),
		SizeBytes: size,
		RowCount:  rows,
		MinTime:   start.UnixNano(),
		MaxTime:   p.Next().Start().UnixNano() - 1,
	}
}

// ReadMetadata loads the manifest of a table directory. A missing manifest
// yields an empty one.
func ReadMetadata(fs afero.Fs, tableDir string) (*MetadataFile, error) {
	path := filepath.Join(tableDir, MetadataFileName)
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &MetadataFile{Type: filepath.Base(tableDir)}, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var metadata MetadataFile
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &metadata, nil
}

// Upsert replaces the entry with the same path, or adds it, and recomputes
// the totals.
func (m *MetadataFile) Upsert(file ParquetFile) {
	replaced := false
	for i := range m.Files {
		if m.Files[i].Path == file.Path {
			m.Files[i] = file
			replaced = true
			break
		}
	}
	if !replaced {
		m.Files = append(m.Files, file)
	}
	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].MinTime < m.Files[j].MinTime
	})

	m.ParquetSizeBytes, m.RowCount, m.MinTime, m.MaxTime = 0, 0, 0, 0
	for _, f := range m.Files {
		m.ParquetSizeBytes += f.SizeBytes
		m.RowCount += f.RowCount
		if m.MinTime == 0 || f.MinTime < m.MinTime {
			m.MinTime = f.MinTime
		}
		if f.MaxTime > m.MaxTime {
			m.MaxTime = f.MaxTime
		}
	}
}

// Paths lists the files in the manifest that overlap [start, end] (ns).
// A zero bound is open.
func (m *MetadataFile) Paths(start, end int64) []string {
	var res []string
	for _, f := range m.Files {
		if (start != 0 && f.MaxTime < start) || (end != 0 && f.MinTime > end) {
			continue
		}
		res = append(res, f.Path)
	}
	return res
}

// WriteMetadata replaces the manifest atomically.
func WriteMetadata(fs afero.Fs, tableDir string, m *MetadataFile) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(tableDir, MetadataFileName+".tmp")
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return err
	}
	return fs.Rename(tmp, filepath.Join(tableDir, MetadataFileName))
}
