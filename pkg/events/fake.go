package events

import (
	"context"
	"sync"
)

// FakePublisher records emitted events synchronously; used by orchestrator
// tests to assert on event idempotency keys and payloads.
type FakePublisher struct {
	mu     sync.Mutex
	Events []Event
}

func NewFakePublisher() *FakePublisher { return &FakePublisher{} }

func (p *FakePublisher) Emit(ctx context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
}

func (p *FakePublisher) All() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.Events))
	copy(out, p.Events)
	return out
}
