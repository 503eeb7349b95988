// Package bus implements Substrate's in-process typed publish/subscribe
// event bus.
//
// Every state transition and progress signal in the pipeline flows through a
// Bus. Dispatch is synchronous: Emit runs each handler to completion in
// registration order on the emitter's goroutine. There is no queueing and no
// cross-goroutine delivery, so handlers must not block indefinitely.
package bus

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event is the value delivered to handlers. Payloads are value types;
// consumers must not mutate them.
type Event struct {
	Name    string
	TS      time.Time
	Payload any
}

// Handler receives events. A handler registered for a specific name only
// sees events with that name; a catch-all handler sees everything.
type Handler func(Event)

// Subscription identifies a registration so it can be removed with Off.
type Subscription struct {
	name string
	id   uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Bus is a synchronous in-process event bus. The zero value is not usable;
// construct with New. Safe for concurrent use: registrations are guarded by
// a read-mostly lock and Emit snapshots the handler list before dispatch.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]entry
	all    []entry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]entry)}
}

// On registers handler for events with the given name. Unknown names are
// accepted; the handler simply fires if such an event is ever emitted.
func (b *Bus) On(name string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], entry{id: b.nextID, fn: handler})
	return Subscription{name: name, id: b.nextID}
}

// OnAll registers a catch-all handler that observes every emitted event,
// after the name-specific handlers.
func (b *Bus) OnAll(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.all = append(b.all, entry{id: b.nextID, fn: handler})
	return Subscription{id: b.nextID}
}

// Off removes a registration. Removing an already-removed subscription is a
// no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.name == "" {
		b.all = remove(b.all, sub.id)
		return
	}
	b.subs[sub.name] = remove(b.subs[sub.name], sub.id)
}

// Emit delivers an event with the given name and payload to all matching
// handlers in registration order. The timestamp is stamped at emit time.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{Name: name, TS: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	named := make([]entry, len(b.subs[name]))
	copy(named, b.subs[name])
	catchAll := make([]entry, len(b.all))
	copy(catchAll, b.all)
	b.mu.RUnlock()

	for _, e := range named {
		e.fn(ev)
	}
	for _, e := range catchAll {
		e.fn(ev)
	}
}

func remove(entries []entry, id uint64) []entry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// NDJSONWriter returns a catch-all handler that writes one JSON object per
// event to w: the payload's fields flattened together with "event" and an
// ISO-8601 "ts". Used by the CLI's --events mode on stdout.
func NDJSONWriter(w io.Writer) Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(ev Event) {
		line := map[string]any{
			"event": ev.Name,
			"ts":    ev.TS.Format(time.RFC3339Nano),
		}
		if ev.Payload != nil {
			raw, err := json.Marshal(ev.Payload)
			if err == nil {
				var fields map[string]any
				if json.Unmarshal(raw, &fields) == nil {
					for k, v := range fields {
						if k != "event" && k != "ts" {
							line[k] = v
						}
					}
				}
			}
		}
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(line)
	}
}
