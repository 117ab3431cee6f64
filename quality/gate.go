package quality

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

// Quality columns appended to every checked dataset.
const (
	ColProcessingTime = "processing_time"
	ColPartitionDate  = "partition_date"
	ColPartitionHour  = "partition_hour"

	ProcessingTimeLayout = "2006-01-02 15:04:05"
)

// Gate validates datasets against the declared schema and stamps them with
// processing metadata.
type Gate struct {
	schema Schema
	now    func() time.Time
}

// NewGate creates a gate over schema. A nil clock means time.Now.
func NewGate(schema Schema, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{schema: schema, now: now}
}

func (g *Gate) Schema() Schema {
	return g.schema
}

// ApplyChecks runs CheckColumns, EnforceSchema and AddQualityColumns on ds in
// place. An empty dataset passes and is returned empty.
func (g *Gate) ApplyChecks(ds *core.Dataset, table string, p core.Partition) (*core.Dataset, error) {
	if err := g.CheckColumns(ds, table); err != nil {
		return nil, err
	}
	if err := g.EnforceSchema(ds, table); err != nil {
		return nil, err
	}
	g.AddQualityColumns(ds, p)
	return ds, nil
}

// CheckColumns fails with a schema mismatch when the column count differs
// from the declaration or a column is not declared. Order is not checked.
func (g *Gate) CheckColumns(ds *core.Dataset, table string) error {
	decl, ok := g.schema.Table(table)
	if !ok {
		return core.NewError(core.KindSchemaMismatch, table, core.ErrUnknownTable)
	}
	if len(ds.Columns) != len(decl) {
		return core.NewError(core.KindSchemaMismatch, table,
			fmt.Errorf("column count mismatch: got %d, expected %d", len(ds.Columns), len(decl)))
	}
	var unknown []string
	for _, c := range ds.Columns {
		if _, ok := decl.Lookup(c); !ok {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return core.NewError(core.KindSchemaMismatch, table,
			fmt.Errorf("columns not in schema: %s", strings.Join(unknown, ", ")))
	}
	return nil
}

// EnforceSchema coerces every declared column to its type. A column is
// replaced only when all of its values convert.
func (g *Gate) EnforceSchema(ds *core.Dataset, table string) error {
	decl, ok := g.schema.Table(table)
	if !ok {
		return core.NewError(core.KindSchemaMismatch, table, core.ErrUnknownTable)
	}
	for _, col := range decl {
		if !ds.HasColumn(col.Name) {
			continue
		}
		converted := make([]any, len(ds.Rows))
		for i, r := range ds.Rows {
			v, err := Coerce(r[col.Name], col.Type)
			if err != nil {
				return &core.Error{
					Kind:   core.KindTypeCoercion,
					Table:  table,
					Column: col.Name,
					Err:    fmt.Errorf("row %d: %w", i, err),
				}
			}
			converted[i] = v
		}
		for i, r := range ds.Rows {
			r[col.Name] = converted[i]
		}
	}
	return nil
}

// AddQualityColumns appends processing_time, partition_date and
// partition_hour to every row.
func (g *Gate) AddQualityColumns(ds *core.Dataset, p core.Partition) {
	ds.SetColumn(ColProcessingTime, g.now().Format(ProcessingTimeLayout))
	ds.SetColumn(ColPartitionDate, p.DateString())
	ds.SetColumn(ColPartitionHour, int64(p.Hour))
}
