/*
Package tape implements backend.Backend against an emulated asynchronous
tape storage service. Unlike objectstore and ftp, a tape batch is
registered once and then completes in the background: Transfer only
kicks off the operation, and Monitor polls for completion.

Retrieval streams back a sequence of data chunks followed by a terminal
checksum message; the running ADLER-32 is compared against the expected
digest and a mismatch fails the retrieval. A "cache full"
response is a backend-transient error: the driver swallows it and leaves
the request to be retried on the next Monitor tick, never failing the
request outright.
*/
package tape
