/*
Package notify publishes request-lifecycle events and delivers them to a
configured Sink.

The Verify/Tidy daemon publishes an Event to the Broker when a request
completes, a migration is deleted, or a failed request is acknowledged;
no other daemon publishes. The Broker fans each Event out to any subscriber (an admin dashboard is
one, out of scope here) and, when the owning user has opted in
(types.User.Notify), to the configured Sink. The real email transport is
out of scope — Sink is the seam: LogSink just logs what would have been
sent, CapturingSink records events in memory for tests to assert on.
*/
package notify
