package broadcast

import (
	"context"
	"sync"
)

// MemoryBroker connects MemoryBus instances living in one process, standing
// in for Redis when several hubs share a process.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryBus]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*MemoryBus]struct{})}
}

// MemoryBus delivers through a per-bus queue so each origin's order is kept
// and publishers never run another process's handler inline.
type MemoryBus struct {
	broker  *MemoryBroker
	origin  string
	handler Handler
	queue   chan Envelope
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (b *MemoryBroker) NewBus(origin string, handler Handler) *MemoryBus {
	bus := &MemoryBus{
		broker:  b,
		origin:  origin,
		handler: handler,
		queue:   make(chan Envelope, 1024),
		done:    make(chan struct{}),
	}
	bus.wg.Add(1)
	go bus.run()
	return bus
}

func (m *MemoryBus) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case env := <-m.queue:
			m.handler(env)
		}
	}
}

func (m *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = m.origin

	m.broker.mu.RLock()
	targets := make([]*MemoryBus, 0, len(m.broker.subs[env.Room]))
	for sub := range m.broker.subs[env.Room] {
		if sub != m {
			targets = append(targets, sub)
		}
	}
	m.broker.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(_ context.Context, room string) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()

	if m.broker.subs[room] == nil {
		m.broker.subs[room] = make(map[*MemoryBus]struct{})
	}
	m.broker.subs[room][m] = struct{}{}
	return nil
}

func (m *MemoryBus) Unsubscribe(_ context.Context, room string) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()

	delete(m.broker.subs[room], m)
	if len(m.broker.subs[room]) == 0 {
		delete(m.broker.subs, room)
	}
	return nil
}

func (m *MemoryBus) Close() error {
	m.once.Do(func() {
		m.broker.mu.Lock()
		for room, subs := range m.broker.subs {
			delete(subs, m)
			if len(subs) == 0 {
				delete(m.broker.subs, room)
			}
		}
		m.broker.mu.Unlock()

		close(m.done)
		m.wg.Wait()
	})
	return nil
}
