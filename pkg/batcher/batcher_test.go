package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock fires timers only when told to.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// expire moves time forward and marks due timers as fired, returning their
// callbacks without running them: the timers can no longer be stopped.
func (c *manualClock) expire(d time.Duration) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	return due
}

func (c *manualClock) advance(d time.Duration) {
	for _, f := range c.expire(d) {
		f()
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	sends    []Batch
	sendAt   []time.Time
	beacons  []Batch
	failures int // number of leading Send calls that fail
	sendErr  error
}

func (f *fakeTransport) Send(_ context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, b)
	f.sendAt = append(f.sendAt, time.Now())
	if f.sendErr != nil {
		return f.sendErr
	}
	if len(f.sends) <= f.failures {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeTransport) Beacon(_ context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, b)
	return nil
}

func (f *fakeTransport) snapshot() (sends, beacons []Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.sends...), append([]Batch(nil), f.beacons...)
}

func event(i int) Event {
	return Event{Kind: "click", UserID: fmt.Sprintf("u%d", i)}
}

func waitIdle(t *testing.T, b *Batcher) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() != StateFlushing }, 2*time.Second, time.Millisecond)
}

func TestBatcher_SizeTriggerSupersedesFiringTimer(t *testing.T) {
	clock := newManualClock()
	tr := &fakeTransport{}
	b := New(tr, Config{}, clock, nil)

	for i := 0; i < 19; i++ {
		b.Add(event(i))
	}
	assert.Equal(t, StateAccumulating, b.State())

	// The 10s timer fires in the same tick the 20th event arrives: its
	// callback is already dispatched when the size threshold is reached.
	fired := clock.expire(10 * time.Second)
	require.Len(t, fired, 1)
	b.Add(event(19))
	for _, f := range fired {
		f()
	}
	waitIdle(t, b)

	sends, _ := tr.snapshot()
	require.Len(t, sends, 1)
	assert.Len(t, sends[0].Events, 20)
	assert.Zero(t, b.Len())
	assert.Equal(t, StateIdle, b.State())

	require.NoError(t, b.Close(context.Background()))
	_, beacons := tr.snapshot()
	assert.Empty(t, beacons)
}

func TestBatcher_SizeAndTimerRaceNeverDuplicates(t *testing.T) {
	for run := 0; run < 50; run++ {
		clock := newManualClock()
		tr := &fakeTransport{}
		b := New(tr, Config{}, clock, nil)
		for i := 0; i < 19; i++ {
			b.Add(event(i))
		}
		fired := clock.expire(10 * time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); b.Add(event(19)) }()
		go func() {
			defer wg.Done()
			for _, f := range fired {
				f()
			}
		}()
		wg.Wait()
		waitIdle(t, b)
		require.NoError(t, b.Close(context.Background()))

		sends, beacons := tr.snapshot()
		seen := map[string]int{}
		for _, batch := range append(sends, beacons...) {
			for _, ev := range batch.Events {
				seen[ev.UserID]++
			}
		}
		require.Len(t, seen, 20, "run %d", run)
		for id, n := range seen {
			require.Equal(t, 1, n, "run %d: %s delivered %d times", run, id, n)
		}
	}
}

func TestBatcher_TimerFlushesPartialBatch(t *testing.T) {
	clock := newManualClock()
	tr := &fakeTransport{}
	b := New(tr, Config{}, clock, nil)

	for i := 0; i < 3; i++ {
		b.Add(event(i))
	}
	clock.advance(9 * time.Second)
	sends, _ := tr.snapshot()
	assert.Empty(t, sends)

	clock.advance(time.Second)
	waitIdle(t, b)
	sends, _ = tr.snapshot()
	require.Len(t, sends, 1)
	assert.Len(t, sends[0].Events, 3)
	assert.Equal(t, StateIdle, b.State())
}

func TestBatcher_RetrySequence(t *testing.T) {
	base := 25 * time.Millisecond
	tr := &fakeTransport{sendErr: errors.New("503 service unavailable")}
	b := New(tr, Config{RetryBase: base}, newManualClock(), nil)

	b.Add(event(0))
	require.NoError(t, b.Flush())
	waitIdle(t, b)

	// Give a hypothetical fourth attempt time to show up.
	time.Sleep(8 * base)
	sends, _ := tr.snapshot()
	require.Len(t, sends, 3, "exactly three attempts in total")
	assert.GreaterOrEqual(t, tr.sendAt[1].Sub(tr.sendAt[0]), base)
	assert.GreaterOrEqual(t, tr.sendAt[2].Sub(tr.sendAt[1]), 2*base)
	assert.Equal(t, sends[0].ID, sends[2].ID, "retries resend the same batch")
	assert.Zero(t, b.Len(), "exhausted batch is dropped")
}

func TestBatcher_RetryRecovers(t *testing.T) {
	tr := &fakeTransport{failures: 1}
	b := New(tr, Config{RetryBase: time.Millisecond}, newManualClock(), nil)

	b.Add(event(0))
	require.NoError(t, b.Flush())
	waitIdle(t, b)

	sends, _ := tr.snapshot()
	assert.Len(t, sends, 2)
}

func TestBatcher_RejectedBatchIsNotRetried(t *testing.T) {
	tr := &fakeTransport{sendErr: &RejectedError{Status: 413, Max: 1000, Received: 1001}}
	b := New(tr, Config{RetryBase: time.Millisecond}, newManualClock(), nil)

	b.Add(event(0))
	require.NoError(t, b.Flush())
	waitIdle(t, b)
	time.Sleep(20 * time.Millisecond)

	sends, _ := tr.snapshot()
	assert.Len(t, sends, 1)
}

func TestBatcher_EventsDuringFlushFormNextBatch(t *testing.T) {
	clock := newManualClock()
	tr := &fakeTransport{failures: 1}
	b := New(tr, Config{MaxBatchSize: 2, RetryBase: 200 * time.Millisecond}, clock, nil)

	b.Add(event(0))
	b.Add(event(1)) // cut; first attempt fails, retry pending
	require.Eventually(t, func() bool { s, _ := tr.snapshot(); return len(s) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateFlushing, b.State())

	b.Add(event(2))
	b.Add(event(3)) // full while flushing: deferred
	waitIdle(t, b)

	sends, _ := tr.snapshot()
	require.Len(t, sends, 3)
	assert.Equal(t, "u2", sends[2].Events[0].UserID)
	assert.Zero(t, b.Len())
}

func TestBatcher_CloseBeaconsRemainder(t *testing.T) {
	clock := newManualClock()
	tr := &fakeTransport{}
	b := New(tr, Config{}, clock, nil)

	for i := 0; i < 5; i++ {
		b.Add(event(i))
	}
	b.Track(Event{Kind: "scroll", UserID: "u9", ElementID: "feed"})

	require.NoError(t, b.Close(context.Background()))
	sends, beacons := tr.snapshot()
	assert.Empty(t, sends)
	require.Len(t, beacons, 1)
	assert.Len(t, beacons[0].Events, 6)
	assert.NotEmpty(t, beacons[0].ID)

	b.Add(event(7))
	assert.Zero(t, b.Len())
	assert.ErrorIs(t, b.Flush(), ErrClosed)
	require.NoError(t, b.Close(context.Background()))
	_, beacons = tr.snapshot()
	assert.Len(t, beacons, 1)
}

func TestBatcher_DebouncesHighFrequencyKinds(t *testing.T) {
	clock := newManualClock()
	tr := &fakeTransport{}
	b := New(tr, Config{}, clock, nil)

	for i := 0; i < 5; i++ {
		b.Track(Event{Kind: "input", UserID: "u", ElementID: "search", Metadata: map[string]any{"len": i}})
		clock.advance(400 * time.Millisecond)
	}
	assert.Zero(t, b.Len(), "still typing")

	b.Track(Event{Kind: "click", UserID: "u", ElementID: "submit"})
	assert.Equal(t, 1, b.Len(), "clicks are never debounced")

	b.Track(Event{Kind: "scroll", UserID: "u", ElementID: "feed"})
	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 3, b.Len())

	require.NoError(t, b.Close(context.Background()))
	_, beacons := tr.snapshot()
	require.Len(t, beacons, 1)
	var inputs []Event
	for _, ev := range beacons[0].Events {
		if ev.Kind == "input" {
			inputs = append(inputs, ev)
		}
	}
	require.Len(t, inputs, 1)
	assert.Equal(t, 4, inputs[0].Metadata["len"])
}

func TestElementRef_Identifier(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	tests := []struct {
		name string
		ref  ElementRef
		want string
	}{
		{"explicit tag wins", ElementRef{Tag: "checkout-cta", DOMID: "btn1", TagName: "BUTTON", Text: "Buy"}, "checkout-cta"},
		{"dom id", ElementRef{DOMID: "btn1", TagName: "BUTTON", Text: "Buy"}, "btn1"},
		{"tag and text", ElementRef{TagName: "BUTTON", Text: "  Buy   now "}, "button.Buy now"},
		{"tag only", ElementRef{TagName: "A"}, "a"},
		{"nothing", ElementRef{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Identifier())
		})
	}

	id := ElementRef{TagName: "P", Text: long}.Identifier()
	assert.Len(t, []rune(id), MaxElementIDLength)
}
