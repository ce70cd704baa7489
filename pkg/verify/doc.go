// Package verify implements the Verify/Tidy daemon: downloading uploaded
// batches back for integrity comparison, restoring permissions on
// retrievals, and the tidy steps that complete (or acknowledge the
// failure of) every request track.
package verify
