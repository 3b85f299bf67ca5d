// Package batcher buffers interaction events on the client side and delivers
// them to the submission endpoint in batches.
//
// A batch is cut when MaxBatchSize events are buffered or FlushAfter has
// elapsed since the first buffered event, whichever comes first. Failed
// submissions are retried with exponential backoff, then dropped. Close is
// the unload path: whatever is still buffered goes out through the
// transport's fire-and-forget Beacon.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the batcher's position in its flush cycle.
type State int

const (
	// StateIdle: nothing buffered, no timer armed.
	StateIdle State = iota
	// StateAccumulating: events buffered, flush timer armed.
	StateAccumulating
	// StateFlushing: a cut batch is being delivered. Triggers that fire in
	// this state are deferred until delivery finishes.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Config tunes the batcher. Zero fields take the defaults.
type Config struct {
	MaxBatchSize int           // default 20
	FlushAfter   time.Duration // default 10s
	RetryBase    time.Duration // first retry delay, doubled per retry; default 1s
	MaxAttempts  uint          // total attempts including the first; default 3
	Debounce     time.Duration // default 500ms
	SendTimeout  time.Duration // per attempt; default 10s
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
	if c.FlushAfter <= 0 {
		c.FlushAfter = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("batcher closed")

// Batcher buffers events and delivers them through a Transport. It is safe
// for concurrent use. At most one batch is in flight at a time.
type Batcher struct {
	cfg       Config
	transport Transport
	clock     Clock
	log       *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	buf      []Event
	timer    Timer
	timerGen uint64
	due      bool // a trigger fired while flushing
	closed   bool
	idle     chan struct{}

	debounced map[string]*pendingEvent
}

// New creates a batcher. clock may be nil to use real timers.
func New(transport Transport, cfg Config, clock Clock, log *zap.SugaredLogger) *Batcher {
	cfg.applyDefaults()
	if clock == nil {
		clock = realClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		buf:       make([]Event, 0, cfg.MaxBatchSize),
		debounced: make(map[string]*pendingEvent),
	}
}

// State returns the current state.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of buffered, not yet cut, events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Add buffers ev without debouncing. Events added after Close are dropped.
func (b *Batcher) Add(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Debugw("event dropped: batcher closed", "kind", ev.Kind)
		return
	}
	b.addLocked(ev)
}

func (b *Batcher) addLocked(ev Event) {
	b.buf = append(b.buf, ev)
	if b.state == StateIdle {
		b.state = StateAccumulating
	}
	if b.timer == nil {
		b.armTimerLocked()
	}
	if len(b.buf) >= b.cfg.MaxBatchSize {
		// Cancel the pending timer before anything else so a timer that
		// is firing right now finds its generation superseded.
		b.stopTimerLocked()
		b.triggerLocked()
	}
}

// Flush cuts the current buffer immediately, as if a trigger had fired.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.buf) > 0 {
		b.stopTimerLocked()
		b.triggerLocked()
	}
	return nil
}

// triggerLocked starts delivery of the buffer, or defers it when a batch is
// already in flight.
func (b *Batcher) triggerLocked() {
	if b.state == StateFlushing {
		b.due = true
		return
	}
	batch := b.cutLocked()
	b.idle = make(chan struct{})
	go b.deliver(batch, b.idle)
}

// cutLocked removes up to MaxBatchSize events from the buffer and moves to
// StateFlushing.
func (b *Batcher) cutLocked() []Event {
	n := min(len(b.buf), b.cfg.MaxBatchSize)
	batch := make([]Event, n)
	copy(batch, b.buf[:n])
	b.buf = append(b.buf[:0], b.buf[n:]...)

	b.stopTimerLocked()
	if len(b.buf) > 0 {
		b.armTimerLocked()
	}
	b.state = StateFlushing
	return batch
}

func (b *Batcher) armTimerLocked() {
	b.timerGen++
	gen := b.timerGen
	b.timer = b.clock.AfterFunc(b.cfg.FlushAfter, func() { b.onTimer(gen) })
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// Invalidate a callback that already fired and is waiting on the lock.
	b.timerGen++
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.timerGen || b.closed {
		return
	}
	b.timer = nil
	if len(b.buf) == 0 {
		return
	}
	b.triggerLocked()
}

// deliver sends batch and then any batch that became due meanwhile. idle is
// closed once the batcher leaves StateFlushing.
func (b *Batcher) deliver(batch []Event, idle chan struct{}) {
	for batch != nil {
		b.send(batch)

		b.mu.Lock()
		batch = nil
		if !b.closed && len(b.buf) > 0 && (b.due || len(b.buf) >= b.cfg.MaxBatchSize) {
			batch = b.cutLocked()
		} else if len(b.buf) > 0 {
			b.state = StateAccumulating
		} else {
			b.state = StateIdle
		}
		b.due = false
		b.mu.Unlock()
	}
	close(idle)
}

// send delivers one batch with bounded retries. A rejected batch is not
// retried. Exhausted or rejected batches are logged and dropped.
func (b *Batcher) send(events []Event) {
	batch := Batch{ID: uuid.NewString(), Events: events}
	attempts := 0

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.cfg.RetryBase,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         b.cfg.RetryBase << b.cfg.MaxAttempts,
	}
	_, err := backoff.Retry(b.ctx, func() (struct{}, error) {
		attempts++
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SendTimeout)
		defer cancel()

		err := b.transport.Send(ctx, batch)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(b.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.log.Warnw("batch submission failed; retrying",
				"batch_id", batch.ID, "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		b.log.Errorw("dropping event batch",
			"batch_id", batch.ID, "events", len(events), "attempts", attempts, "error", err)
	}
}

// Close is the unload path. It stops all timers, folds pending debounced
// events into the buffer, waits for an in-flight delivery (bounded by ctx),
// then hands everything left to Transport.Beacon without retry. Close is
// idempotent.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	for key, p := range b.debounced {
		p.timer.Stop()
		b.buf = append(b.buf, p.event)
		delete(b.debounced, key)
	}
	idle := b.idle
	b.mu.Unlock()

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			// Give up on the in-flight retries; the beacon still goes out.
			b.cancel()
		}
	}

	b.mu.Lock()
	rest := b.buf
	b.buf = nil
	b.state = StateIdle
	b.mu.Unlock()
	b.cancel()

	if len(rest) == 0 {
		return nil
	}
	// The beacon must survive the caller's teardown.
	err := b.transport.Beacon(context.WithoutCancel(ctx), Batch{ID: uuid.NewString(), Events: rest})
	if err != nil {
		b.log.Errorw("beacon delivery failed", "events", len(rest), "error", err)
	}
	return err
}
