package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"capsule-go/internal/capsule"
)

// ErrClosed is returned by Dispatcher.Send after Close.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher delivers messages on a background worker so callers never
// wait on the network. Messages are dropped when the queue is full.
type Dispatcher struct {
	next    Notifier
	logger  capsule.Logger
	timeout time.Duration
	queue   chan Message
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts a worker delivering to next. Each delivery is
// bounded by timeout.
func NewDispatcher(next Notifier, logger capsule.Logger, size int, timeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = 16
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		next:    next,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Message, size),
		done:    make(chan struct{}),
	}
	go d.work()
	return d
}

// Send queues msg and returns immediately.
func (d *Dispatcher) Send(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification queue full, message dropped", "title", msg.Title)
	}
	return nil
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Send(ctx, msg); err != nil {
			d.logger.Warn("notification failed", "title", msg.Title, "error", err)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for queued ones to be
// delivered until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("notifications still pending at shutdown", "pending", len(d.queue))
		return ctx.Err()
	}
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }
