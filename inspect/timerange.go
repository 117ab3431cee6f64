package inspect

import (
	"regexp"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

// TimeRange bounds the partitions a query reads, in unix nanoseconds.
// A zero bound is open.
type TimeRange struct {
	Start int64
	End   int64
}

var (
	dateBetweenRe = regexp.MustCompile(`(?i)partition_date\s+BETWEEN\s+'([^']+)'\s+AND\s+'([^']+)'`)
	dateCmpRe     = regexp.MustCompile(`(?i)partition_date\s*(>=|>|<=|<|=)\s*'([^']+)'`)
)

// extractTimeRange narrows the range from partition_date predicates in
// the query. Predicates that do not parse leave the range open.
func extractTimeRange(query string) TimeRange {
	var tr TimeRange
	if m := dateBetweenRe.FindStringSubmatch(query); m != nil {
		if start, ok := dayStart(m[1]); ok {
			tr.Start = start.UnixNano()
		}
		if end, ok := dayStart(m[2]); ok {
			tr.End = end.AddDate(0, 0, 1).UnixNano() - 1
		}
		return tr
	}
	for _, m := range dateCmpRe.FindAllStringSubmatch(query, -1) {
		day, ok := dayStart(m[2])
		if !ok {
			continue
		}
		switch m[1] {
		case ">=":
			tr.Start = day.UnixNano()
		case ">":
			tr.Start = day.AddDate(0, 0, 1).UnixNano()
		case "<=":
			tr.End = day.AddDate(0, 0, 1).UnixNano() - 1
		case "<":
			tr.End = day.UnixNano() - 1
		case "=":
			tr.Start = day.UnixNano()
			tr.End = day.AddDate(0, 0, 1).UnixNano() - 1
		}
	}
	return tr
}

// dayStart matches the partition start times written to the manifest.
func dayStart(s string) (time.Time, bool) {
	p, err := core.NewPartition(s, 0)
	if err != nil {
		return time.Time{}, false
	}
	return p.Start(), true
}
