// Package lock implements the Lock daemon: it admits new requests onto
// their tracks, runs the archive planner for uploads, and write-protects
// the source tree for the duration of the transfer.
package lock
