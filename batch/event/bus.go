// Package event provides the typed notification bus batch callers subscribe
// to for engine lifecycle events.
package event

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openkb/kbatch/batch/domain"
)

// Type enumerates the notifications the engine emits.
type Type int

const (
	BatchStarted Type = iota
	ProgressUpdated
	JobCompleted
	JobFailed
	BatchPaused
	BatchResumed
	BatchCancelled

	// ProcessingCompleted fires when the pending queue and active set are
	// both empty.
	ProcessingCompleted
)

func (t Type) String() string {
	asString := [8]string{"batchStarted", "progressUpdated", "jobCompleted", "jobFailed",
		"batchPaused", "batchResumed", "batchCancelled", "processingCompleted"}
	if t < 0 || int(t) >= len(asString) {
		return "unknown"
	}
	return asString[t]
}

// Event is one notification. Progress is only set for ProgressUpdated and is
// a copy the subscriber owns.
type Event struct {
	Type     Type
	BatchID  string
	JobID    string
	Err      string
	Progress *domain.BatchProgress
	Time     time.Time
}

// Bus is a fan-out publisher. Publishing never blocks: a subscriber that
// falls behind loses events rather than stalling the scheduler loop.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one listener. Read events from C; Close when done.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	types   map[Type]struct{} // nil matches everything
	dropped int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for the given types, or for all events when
// none are given.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, 64)}
	sub.C = sub.ch
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
			if sub.dropped%100 == 1 {
				log.WithFields(log.Fields{
					"type":    e.Type,
					"batchID": e.BatchID,
					"dropped": sub.dropped,
				}).Warn("Slow event subscriber, dropping events")
			}
		}
	}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
	s.bus.mu.Unlock()
}
