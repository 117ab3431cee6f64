package notify

import (
	"context"
	"sync"

	"github.com/gigapi/gigapi-ingest/core"
)

var _ core.Notifier = (*LogNotifier)(nil)

// LogNotifier writes notifications to the log. It is used when no mail
// server is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, subject, body string) error {
	core.Warnf(ctx, "Notification: %s: %s", subject, body)
	return nil
}

// Message is a delivered notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Recorder keeps the last notifications in memory. It serves the status
// endpoint and forwards to an optional next notifier.
type Recorder struct {
	next  core.Notifier
	limit int

	mtx  sync.Mutex
	msgs []Message
}

func NewRecorder(next core.Notifier, limit int) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{next: next, limit: limit}
}

func (r *Recorder) Notify(ctx context.Context, subject, body string) error {
	r.mtx.Lock()
	r.msgs = append(r.msgs, Message{Subject: subject, Body: body})
	if len(r.msgs) > r.limit {
		r.msgs = r.msgs[len(r.msgs)-r.limit:]
	}
	r.mtx.Unlock()
	if r.next == nil {
		return nil
	}
	return r.next.Notify(ctx, subject, body)
}

// Messages returns the recorded notifications, oldest first.
func (r *Recorder) Messages() []Message {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]Message(nil), r.msgs...)
}
