package broker

import (
	"log/slog"
	"sync"

	"github.com/ashureev/agentsim/internal/domain"
)

// subscriberBuffer is the per-subscriber delivery buffer. A consumer
// that falls further behind than this loses its oldest buffered events;
// the durable log remains the source of truth for anything dropped.
const subscriberBuffer = 64

// Broadcaster fans session events out to all live subscribers of one
// session. Publication never blocks on a slow or absent subscriber.
//
// Replay for new subscribers is handled by the session manager, which
// reads the durable log and registers the live channel under the same
// session lock the publisher holds, so the replay/live seam has no gap
// and no duplicates.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscription is one live event feed. Read from C until it is closed;
// call Close to detach.
type Subscription struct {
	C <-chan *domain.Event

	ch   chan *domain.Event
	b    *Broadcaster
	once sync.Once
}

// Close detaches the subscription and closes C. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new live subscriber.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan *domain.Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, b: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every current subscriber. If a
// subscriber's buffer is full, its oldest buffered event is dropped to
// make room, so one stalled consumer cannot stall the publisher or its
// peers.
func (b *Broadcaster) Publish(event *domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		for {
			select {
			case sub.ch <- event:
			default:
				select {
				case dropped := <-sub.ch:
					slog.Warn("slow subscriber, dropping oldest buffered event",
						"session_id", dropped.SessionID,
						"event_id", dropped.EventID)
					continue
				default:
					// Buffer drained by the consumer between the two
					// selects; retry the send.
					continue
				}
			}
			break
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
