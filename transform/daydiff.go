package transform

import (
	"fmt"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

const (
	DaysDivisor  = 1
	YearsDivisor = 365
)

// DiffFromToday sets newCol to the whole days between the date in dateCol
// and today, floor-divided by divisor. dateCol is normalised to time.Time.
func DiffFromToday(ds *core.Dataset, dateCol, newCol string, divisor int64, today time.Time) error {
	if divisor <= 0 {
		return fmt.Errorf("invalid divisor %d", divisor)
	}
	if !ds.HasColumn(dateCol) {
		return fmt.Errorf("missing column %s", dateCol)
	}
	if err := ds.AddColumn(dateCol, func(r core.Row) (any, error) {
		return asDate(r[dateCol])
	}); err != nil {
		return err
	}
	return ds.AddColumn(newCol, func(r core.Row) (any, error) {
		d, _ := r[dateCol].(time.Time)
		return floorDiv(daysBetween(d, today), divisor), nil
	})
}

// daysBetween counts calendar days from a to b, ignoring time of day.
func daysBetween(a, b time.Time) int64 {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int64(db.Sub(da) / (24 * time.Hour))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func asDate(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		d, err := time.Parse(core.DateLayout, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q", x)
		}
		return d, nil
	case nil:
		return time.Time{}, fmt.Errorf("missing date")
	}
	return time.Time{}, fmt.Errorf("cannot use %T as date", v)
}
