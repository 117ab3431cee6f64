package stream

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
)

// TimeCursor holds the active (date, hour) partition and moves it forward
// when the wall clock enters a different hour.
type TimeCursor struct {
	mtx       sync.RWMutex
	partition core.Partition
	now       func() time.Time
}

// NewTimeCursor creates a cursor at p. A nil clock means time.Now.
func NewTimeCursor(p core.Partition, now func() time.Time) *TimeCursor {
	if now == nil {
		now = time.Now
	}
	return &TimeCursor{partition: p, now: now}
}

// AdvanceIfDue moves the cursor one hour forward when the wall-clock hour
// differs from the held hour. It reports whether the partition changed.
// The cursor never jumps more than one hour per call.
func (c *TimeCursor) AdvanceIfDue() bool {
	hour := c.now().Hour()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if hour == c.partition.Hour {
		return false
	}
	c.partition = c.partition.Next()
	return true
}

// Partition returns a snapshot of the held partition.
func (c *TimeCursor) Partition() core.Partition {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.partition
}

// CurrentPath returns base/YYYY-MM-DD/HH for the held partition.
func (c *TimeCursor) CurrentPath(base string) string {
	p := c.Partition()
	return filepath.Join(base, p.DateString(), p.HourString())
}
