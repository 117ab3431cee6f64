package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DateLayout is the layout of partition dates in paths and columns.
const DateLayout = "2006-01-02"

// Partition is the (date, hour) unit of ingestion.
type Partition struct {
	Date time.Time
	Hour int
}

// NewPartition parses a YYYY-MM-DD date and validates the hour.
func NewPartition(date string, hour int) (Partition, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return Partition{}, fmt.Errorf("invalid partition date %q: %w", date, err)
	}
	if hour < 0 || hour > 23 {
		return Partition{}, fmt.Errorf("invalid partition hour %d: must be in [0,23]", hour)
	}
	return Partition{Date: d, Hour: hour}, nil
}

// Next returns the partition one hour later, rolling into the next date after hour 23.
func (p Partition) Next() Partition {
	if p.Hour < 23 {
		return Partition{Date: p.Date, Hour: p.Hour + 1}
	}
	return Partition{Date: p.Date.AddDate(0, 0, 1), Hour: 0}
}

func (p Partition) DateString() string {
	return p.Date.Format(DateLayout)
}

// HourString returns the zero padded hour used for directory names.
func (p Partition) HourString() string {
	return fmt.Sprintf("%02d", p.Hour)
}

// Start returns the first instant of the partition in UTC.
func (p Partition) Start() time.Time {
	return time.Date(p.Date.Year(), p.Date.Month(), p.Date.Day(), p.Hour, 0, 0, 0, time.UTC)
}

func (p Partition) String() string {
	return p.DateString() + "/" + p.HourString()
}

// FileDescriptor is a file found in a partition directory.
type FileDescriptor struct {
	Name string
	Path string
}

// TableName is the file name up to its first dot.
func (f FileDescriptor) TableName() string {
	return TableNameOf(f.Name)
}

// TableNameOf returns the table a file name belongs to.
func TableNameOf(name string) string {
	name = filepath.Base(name)
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Batch is the set of newly stable files discovered for one partition.
type Batch struct {
	Partition Partition
	Files     map[string]string
}

// Descriptors returns the batch files sorted by name.
func (b Batch) Descriptors() []FileDescriptor {
	names := make([]string, 0, len(b.Files))
	for name := range b.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	res := make([]FileDescriptor, len(names))
	for i, name := range names {
		res[i] = FileDescriptor{Name: name, Path: b.Files[name]}
	}
	return res
}

func (b Batch) Len() int {
	return len(b.Files)
}

// Row is a single record keyed by column name.
type Row map[string]any

// Dataset is the table-shaped content of one file during one pipeline run.
// Stages mutate it in place.
type Dataset struct {
	Table   string
	Columns []string
	Rows    []Row
}

// NewDataset creates an empty dataset with the given columns.
func NewDataset(table string, columns ...string) *Dataset {
	return &Dataset{
		Table:   table,
		Columns: append([]string(nil), columns...),
	}
}

func (d *Dataset) Len() int {
	return len(d.Rows)
}

func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AppendRow adds a row; missing columns are not filled in.
func (d *Dataset) AppendRow(r Row) {
	d.Rows = append(d.Rows, r)
}

// SetColumn assigns value to every row, adding the column if needed.
func (d *Dataset) SetColumn(name string, value any) {
	if !d.HasColumn(name) {
		d.Columns = append(d.Columns, name)
	}
	for _, r := range d.Rows {
		r[name] = value
	}
}

// AddColumn computes name for every row. The first failing row aborts
// the computation and leaves rows before it updated.
func (d *Dataset) AddColumn(name string, fn func(Row) (any, error)) error {
	for i, r := range d.Rows {
		v, err := fn(r)
		if err != nil {
			return fmt.Errorf("column %q row %d: %w", name, i, err)
		}
		r[name] = v
	}
	if !d.HasColumn(name) {
		d.Columns = append(d.Columns, name)
	}
	return nil
}

// DropColumn removes the column from the dataset and every row.
func (d *Dataset) DropColumn(name string) {
	cols := d.Columns[:0]
	for _, c := range d.Columns {
		if c != name {
			cols = append(cols, c)
		}
	}
	d.Columns = cols
	for _, r := range d.Rows {
		delete(r, name)
	}
}

// Values returns the values of a column in row order.
func (d *Dataset) Values(name string) []any {
	res := make([]any, len(d.Rows))
	for i, r := range d.Rows {
		res[i] = r[name]
	}
	return res
}
