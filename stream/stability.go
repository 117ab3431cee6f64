package stream

import (
	"context"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
)

const DefaultStabilityWindow = time.Second

var _ core.StabilityProbe = (*StatProbe)(nil)

// StatProbe compares a file's size and modification time before and after
// an observation window.
type StatProbe struct {
	Fs     afero.Fs
	Window time.Duration
	// Wait blocks for the window. Defaults to a context-aware sleep.
	Wait func(ctx context.Context, d time.Duration) error
}

func NewStatProbe(fs afero.Fs, window time.Duration) *StatProbe {
	if window <= 0 {
		window = DefaultStabilityWindow
	}
	return &StatProbe{Fs: fs, Window: window, Wait: Sleep}
}

// IsStable never fails: a file that vanishes or cannot be stat'ed is
// reported as not stable.
func (p *StatProbe) IsStable(ctx context.Context, path string) bool {
	before, err := p.Fs.Stat(path)
	if err != nil {
		return false
	}
	wait := p.Wait
	if wait == nil {
		wait = Sleep
	}
	if err := wait(ctx, p.Window); err != nil {
		return false
	}
	after, err := p.Fs.Stat(path)
	if err != nil {
		return false
	}
	return before.Size() == after.Size() && before.ModTime().Equal(after.ModTime())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
