package batcher

type pendingEvent struct {
	event Event
	timer Timer
	gen   uint64
}

// Track queues ev, debouncing high-frequency kinds (input, scroll, resize):
// a burst for the same kind and element yields only its last event, once
// the source has been quiet for Config.Debounce. Discrete actions are added
// immediately.
func (b *Batcher) Track(ev Event) {
	if !highFrequency[ev.Kind] {
		b.Add(ev)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}

	key := ev.Kind + "|" + ev.ElementID
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	p, ok := b.debounced[key]
	if !ok {
		p = &pendingEvent{}
		b.debounced[key] = p
	} else {
		p.timer.Stop()
	}
	p.event = ev
	p.gen++
	gen := p.gen
	p.timer = b.clock.AfterFunc(b.cfg.Debounce, func() { b.settle(key, gen) })
}

func (b *Batcher) settle(key string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.debounced[key]
	if !ok || p.gen != gen || b.closed {
		return
	}
	delete(b.debounced, key)
	b.addLocked(p.event)
}
