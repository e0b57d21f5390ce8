package testutil

import (
	"context"
	"sync"

	"capsule-go/internal/notify"
)

// RecordingNotifier stores every message it is sent. Err, if set, is
// returned from Send after recording.
type RecordingNotifier struct {
	Err error

	mu   sync.Mutex
	msgs []notify.Message
}

func (r *RecordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.Err
}

// Messages returns a copy of the recorded messages.
func (r *RecordingNotifier) Messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

var _ notify.Notifier = (*RecordingNotifier)(nil)
