package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Async.Notify when the buffer is full.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Async.Notify after Close.
var ErrClosed = errors.New("notifier closed")

// Async decouples callers from a slow Notifier. Notify never blocks; events
// are delivered by a fixed set of workers. When the buffer is full the event
// is dropped and reported through OnResult.
type Async struct {
	next    Notifier
	queue   chan Event
	timeout time.Duration
	log     zerolog.Logger

	onResult func(outcome string)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Notifier = (*Async)(nil)

// AsyncConfig sizes an Async dispatcher.
type AsyncConfig struct {
	Buffer  int
	Workers int
	Timeout time.Duration
	// OnResult, if set, is called with "sent", "failed" or "dropped".
	OnResult func(outcome string)
}

// NewAsync starts cfg.Workers goroutines in front of next.
func NewAsync(next Notifier, cfg AsyncConfig, log zerolog.Logger) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	a := &Async{
		next:     next,
		queue:    make(chan Event, cfg.Buffer),
		timeout:  cfg.Timeout,
		log:      log,
		onResult: cfg.OnResult,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Notify enqueues e.
func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- e:
		return nil
	default:
		a.report("dropped")
		a.log.Warn().Str("redemption_id", e.RedemptionID).Msg("notification queue full, event dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be sent, or for
// ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Notify(ctx, e)
		cancel()
		if err != nil {
			a.report("failed")
			a.log.Error().Err(err).Str("redemption_id", e.RedemptionID).Str("type", e.Type).Msg("notification failed")
			continue
		}
		a.report("sent")
	}
}

func (a *Async) report(outcome string) {
	if a.onResult != nil {
		a.onResult(outcome)
	}
}
