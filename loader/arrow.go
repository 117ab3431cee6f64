package loader

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gigapi/gigapi-ingest/core"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// DatasetToRecord converts ds to an arrow record. Column types are inferred
// from the values; the caller must Release the record.
func DatasetToRecord(mem memory.Allocator, ds *core.Dataset) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	fields := make([]arrow.Field, len(ds.Columns))
	for i, col := range ds.Columns {
		fields[i] = arrow.Field{Name: col, Type: inferTypeFromColumn(col, ds.Rows), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	arrays := make([]arrow.Array, 0, len(fields))
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	for _, field := range fields {
		arr, err := buildColumn(mem, field, ds.Rows)
		if err != nil {
			return nil, err
		}
		arrays = append(arrays, arr)
	}
	return array.NewRecord(schema, arrays, int64(len(ds.Rows))), nil
}

// inferTypeFromColumn picks the narrowest type that holds every non-null
// value of the column. Mixed integers and floats become float64; any other
// mix becomes string.
func inferTypeFromColumn(columnName string, rows []core.Row) arrow.DataType {
	var ints, floats, bools, times, others int
	for _, row := range rows {
		switch row[columnName].(type) {
		case nil:
		case int, int32, int64:
			ints++
		case float32, float64:
			floats++
		case bool:
			bools++
		case time.Time:
			times++
		default:
			others++
		}
	}
	switch {
	case others > 0:
		return arrow.BinaryTypes.String
	case ints > 0 && bools == 0 && times == 0 && floats == 0:
		return arrow.PrimitiveTypes.Int64
	case floats > 0 && bools == 0 && times == 0:
		return arrow.PrimitiveTypes.Float64
	case bools > 0 && ints == 0 && floats == 0 && times == 0:
		return arrow.FixedWidthTypes.Boolean
	case times > 0 && ints == 0 && floats == 0 && bools == 0:
		return timestampType
	}
	return arrow.BinaryTypes.String // Default to string if no non-null values found
}

func buildColumn(mem memory.Allocator, field arrow.Field, rows []core.Row) (arrow.Array, error) {
	switch field.Type.ID() {
	case arrow.INT64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for _, row := range rows {
			switch v := row[field.Name].(type) {
			case nil:
				b.AppendNull()
			case int:
				b.Append(int64(v))
			case int32:
				b.Append(int64(v))
			case int64:
				b.Append(v)
			default:
				return nil, fmt.Errorf("column %s: unexpected %T in int64 column", field.Name, v)
			}
		}
		return b.NewArray(), nil
	case arrow.FLOAT64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, row := range rows {
			switch v := row[field.Name].(type) {
			case nil:
				b.AppendNull()
			case int:
				b.Append(float64(v))
			case int32:
				b.Append(float64(v))
			case int64:
				b.Append(float64(v))
			case float32:
				b.Append(float64(v))
			case float64:
				b.Append(v)
			default:
				return nil, fmt.Errorf("column %s: unexpected %T in float64 column", field.Name, v)
			}
		}
		return b.NewArray(), nil
	case arrow.BOOL:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, row := range rows {
			switch v := row[field.Name].(type) {
			case nil:
				b.AppendNull()
			case bool:
				b.Append(v)
			default:
				return nil, fmt.Errorf("column %s: unexpected %T in boolean column", field.Name, v)
			}
		}
		return b.NewArray(), nil
	case arrow.TIMESTAMP:
		b := array.NewTimestampBuilder(mem, timestampType)
		defer b.Release()
		for _, row := range rows {
			switch v := row[field.Name].(type) {
			case nil:
				b.AppendNull()
			case time.Time:
				b.Append(arrow.Timestamp(v.UnixMicro()))
			default:
				return nil, fmt.Errorf("column %s: unexpected %T in timestamp column", field.Name, v)
			}
		}
		return b.NewArray(), nil
	default:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, row := range rows {
			v := row[field.Name]
			if v == nil {
				b.AppendNull()
				continue
			}
			b.Append(formatValue(v))
		}
		return b.NewArray(), nil
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
