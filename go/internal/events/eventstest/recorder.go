// Package eventstest records published events for assertions.
package eventstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
)

// Recorder is an events.Bus keeping everything published to it.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Bus = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types returns the recorded event types in publication order.
func (r *Recorder) Types() []events.Type {
	evs := r.Events()
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// WaitFor blocks until n events of typ have been recorded and returns them.
func (r *Recorder) WaitFor(t testing.TB, typ events.Type, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.OfType(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events", n, typ)
	return r.OfType(typ)
}

// Decode unmarshals the payload of ev into a T.
func Decode[T any](t testing.TB, ev events.Event) T {
	t.Helper()
	var v T
	require.NoError(t, ev.Decode(&v))
	return v
}
