package bus

import (
	"context"
	"sort"
	"sync"
)

// FakeBus is an in-process Port implementation for unit tests, grounded on
// the teacher's habit of driving tests against a noop provider instead of a
// live broker (see orchestrator_test.go).
type FakeBus struct {
	mu        sync.Mutex
	handlers  map[string][]Handler
	queues    map[string]map[string][]Handler
	mirrored  map[string][][]byte
	nextQueue map[string]int
}

// NewFakeBus constructs an empty in-memory bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		handlers:  make(map[string][]Handler),
		queues:    make(map[string]map[string][]Handler),
		mirrored:  make(map[string][][]byte),
		nextQueue: make(map[string]int),
	}
}

func (f *FakeBus) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	subHandlers := append([]Handler(nil), f.handlers[subject]...)
	var queueHandler Handler
	if queues := f.queues[subject]; len(queues) > 0 {
		names := make([]string, 0, len(queues))
		for q := range queues {
			names = append(names, q)
		}
		sort.Strings(names)
		// deterministic round robin per queue name set size
		idx := f.nextQueue[subject] % len(names)
		f.nextQueue[subject] = f.nextQueue[subject] + 1
		queue := names[idx]
		members := queues[queue]
		if len(members) > 0 {
			queueHandler = members[f.nextQueue[subject]%len(members)]
		}
	}
	f.mu.Unlock()

	for _, h := range subHandlers {
		h(ctx, subject, data)
	}
	if queueHandler != nil {
		queueHandler(ctx, subject, data)
	}
	return nil
}

func (f *FakeBus) PublishMirrored(ctx context.Context, subject, stream string, data []byte) error {
	if err := f.Publish(ctx, subject, data); err != nil {
		return err
	}
	f.mu.Lock()
	f.mirrored[stream] = append(f.mirrored[stream], data)
	f.mu.Unlock()
	return nil
}

func (f *FakeBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = append(f.handlers[subject], handler)
	return noopSub{}, nil
}

func (f *FakeBus) QueueSubscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queues[subject] == nil {
		f.queues[subject] = make(map[string][]Handler)
	}
	f.queues[subject][queue] = append(f.queues[subject][queue], handler)
	return noopSub{}, nil
}

func (f *FakeBus) Close() error { return nil }

// Mirrored returns everything published to stream, for test assertions.
func (f *FakeBus) Mirrored(stream string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.mirrored[stream]...)
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }
