/*
Package daemon provides the ticker-driven run loop shared by the Lock,
Pack, Transfer, Monitor and Verify daemons.

Each daemon is a periodic cycle over pending work: claim what's
claimable, do it, release or fail it, sleep, repeat. Loop is the common
skeleton; each daemon supplies its own cycle function and a name used for
logging and the per-daemon cycle-duration metric.

Runtime carries the shared bootstrap every daemon binary performs before
its loop starts: configuration, store, backends, staging areas, secrets,
credential validation, the notification broker, the metrics endpoint and
a pidfile guarding against double-starts.
*/
package daemon
