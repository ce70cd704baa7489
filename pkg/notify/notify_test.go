package notify

import (
	"errors"
	"testing"
	"time"

	"dmorch/pkg/types"
)

var errUserNotFound = errors.New("user not found")

type fakeUsers struct {
	users map[string]*types.User
}

func (f *fakeUsers) GetUser(name string) (*types.User, error) {
	u, ok := f.users[name]
	if !ok {
		return nil, errUserNotFound
	}
	return u, nil
}

func TestBrokerDeliversToSinkWhenOptedIn(t *testing.T) {
	sink := &CapturingSink{}
	users := &fakeUsers{users: map[string]*types.User{
		"alice": {Name: "alice", Email: "alice@example.org", Notify: true},
		"bob":   {Name: "bob", Email: "bob@example.org", Notify: false},
	}}

	b := NewBroker(sink, users)
	b.Start()
	defer b.Stop()

	b.Publish(&Event{Type: EventRequestCompleted, User: "alice", RequestID: "req-1"})
	b.Publish(&Event{Type: EventRequestFailed, User: "bob", RequestID: "req-2"})

	deadline := time.Now().Add(time.Second)
	for len(sink.Events()) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d delivered events, want 1 (bob opted out)", len(events))
	}
	if events[0].User.Name != "alice" {
		t.Errorf("delivered to %q, want alice", events[0].User.Name)
	}
	if events[0].Event.RequestID != "req-1" {
		t.Errorf("delivered event RequestID = %q, want req-1", events[0].Event.RequestID)
	}
}

func TestBrokerBroadcastsToSubscribersRegardlessOfOptIn(t *testing.T) {
	users := &fakeUsers{users: map[string]*types.User{
		"bob": {Name: "bob", Email: "bob@example.org", Notify: false},
	}}

	b := NewBroker(&CapturingSink{}, users)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventMigrationDeleted, User: "bob", MigrationID: "mig-1"})

	select {
	case ev := <-sub:
		if ev.MigrationID != "mig-1" {
			t.Errorf("MigrationID = %q, want mig-1", ev.MigrationID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive broadcast event")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker(nil, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
	sub := b.Subscribe()
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}
	b.Unsubscribe(sub)
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
}
