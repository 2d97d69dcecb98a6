package eventbus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Listener receives the payload of an emitted event.
type Listener func(payload any)

// Bus is a process-wide publish/subscribe registry. It is constructed once at
// startup and handed to every component that emits or listens.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]Listener
	nextID    atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[string]map[uint64]Listener)}
}

// Subscription is the handle returned by On. The owner must call Off when it
// goes away.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
	once  sync.Once
}

// Off removes the listener. Calling it more than once is a no-op.
func (s *Subscription) Off() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.event, s.id)
	})
}

// On registers listener for event.
func (b *Bus) On(event string, listener Listener) *Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	set, ok := b.listeners[event]
	if !ok {
		set = make(map[uint64]Listener)
		b.listeners[event] = set
	}
	set[id] = listener
	b.mu.Unlock()
	return &Subscription{bus: b, event: event, id: id}
}

// Off removes a subscription. Same as sub.Off().
func (b *Bus) Off(sub *Subscription) {
	sub.Off()
}

// Emit calls every listener registered for event at the time of the call.
// Listeners run on the caller's goroutine, outside the registry lock, so they
// may subscribe or unsubscribe. A panicking listener is logged and skipped.
func (b *Bus) Emit(event string, payload any) int {
	b.mu.RLock()
	set := b.listeners[event]
	snapshot := make([]Listener, 0, len(set))
	for _, l := range set {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.call(event, l, payload)
	}
	return len(snapshot)
}

// ListenerCount returns the number of listeners for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.listeners[event]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.listeners, event)
	}
}

func (b *Bus) call(event string, l Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "event listener panic",
				zap.String("event", event),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	l(payload)
}
