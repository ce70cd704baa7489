package notify

import (
	"sync"
	"time"

	"dmorch/pkg/types"
)

// EventType names a point in a request's lifecycle worth telling a user
// about.
type EventType string

const (
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventMigrationDeleted EventType = "migration.deleted"
)

// Event describes one lifecycle notification.
type Event struct {
	ID          string
	Type        EventType
	Timestamp   time.Time
	User        string
	RequestID   string
	MigrationID string
	Message     string
}

// Subscriber is a channel that receives events, for consumers other than
// the configured Sink (e.g. an admin dashboard).
type Subscriber chan *Event

// Broker fans Events out to subscribers and, for events whose user opted
// in to notification, to a Sink.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	sink        Sink
	users       UserLookup
}

// UserLookup resolves a username to its User record so the broker knows
// whether to notify. Implemented by the storage.Store in production, by a
// fake in tests.
type UserLookup interface {
	GetUser(name string) (*types.User, error)
}

// NewBroker creates a broker that delivers opted-in events to sink using
// users to check each event's User.Notify flag.
func NewBroker(sink Sink, users UserLookup) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		sink:        sink,
		users:       users,
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers and, if the owning user
// has notify=true, to the sink.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *Broker) deliver(event *Event) {
	if b.sink == nil || b.users == nil {
		return
	}
	user, err := b.users.GetUser(event.User)
	if err != nil || !user.Notify {
		return
	}
	_ = b.sink.Notify(user, event)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
