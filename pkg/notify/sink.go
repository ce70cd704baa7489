package notify

import (
	"sync"

	"dmorch/pkg/log"
	"dmorch/pkg/types"
)

// Sink is the seam the real email transport plugs into; it is
// deliberately out of scope here.
type Sink interface {
	Notify(user *types.User, event *Event) error
}

// LogSink logs what would have been sent, useful for a deployment that
// hasn't wired a transport yet.
type LogSink struct{}

func (LogSink) Notify(user *types.User, event *Event) error {
	logger := log.WithComponent("notify")
	logger.Info().
		Str("user", user.Name).
		Str("email", user.Email).
		Str("event", string(event.Type)).
		Str("message", event.Message).
		Msg("would notify user")
	return nil
}

// CapturingSink records every delivered event for tests to assert on.
type CapturingSink struct {
	mu     sync.Mutex
	events []CapturedNotification
}

// CapturedNotification pairs a delivered event with the user it was sent to.
type CapturedNotification struct {
	User  *types.User
	Event *Event
}

func (c *CapturingSink) Notify(user *types.User, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, CapturedNotification{User: user, Event: event})
	return nil
}

// Events returns a snapshot of everything delivered so far.
func (c *CapturingSink) Events() []CapturedNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CapturedNotification, len(c.events))
	copy(out, c.events)
	return out
}
