package client

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/chatline/chatline/internal/signal"
)

type emitted struct {
	event   string
	payload any
}

// fakeTransport stands in for a Session in controller and store tests.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	emits    []emitted
	joins    []string

	emitOk    bool
	joinErr   error
	requestFn func(event string, payload any) (*signal.Ack, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]HandlerFunc),
		emitOk:   true,
	}
}

func (f *fakeTransport) Emit(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.emitOk {
		return false
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return true
}

func (f *fakeTransport) Request(ctx context.Context, event string, payload any) (*signal.Ack, error) {
	if f.requestFn == nil {
		return &signal.Ack{Success: true}, nil
	}
	return f.requestFn(event, payload)
}

func (f *fakeTransport) Join(ctx context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, room)
	return nil
}

func (f *fakeTransport) On(event string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = fn
}

func (f *fakeTransport) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

// deliver pushes an event into the registered handler the way a read
// loop would.
func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()

	f.mu.Lock()
	fn, ok := f.handlers[event]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %q", event)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	fn(&signal.Frame{Event: event, Payload: raw, Timestamp: signal.Now()})
}

func (f *fakeTransport) emittedEvents() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.emits))
	copy(out, f.emits)
	return out
}

func (f *fakeTransport) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.joins))
	copy(out, f.joins)
	return out
}
