/*
Package health provides generic HTTP and TCP probes of backend
endpoints.

The Monitor daemon probes every configured backend each tick — the
object store's S3 endpoint over HTTP, FTP and tape hosts over TCP — and
folds the results into a per-backend Status, which drives the
availability gauge operators alert on. Status only flips after
Config.Retries consecutive failures, so one dropped packet doesn't mark
a backend down.
*/
package health
