/*
Package staging manages the per-request filesystem areas named in the
concurrency model: a staging directory per migration used while packing
or assembling a GET, and a verify directory per (backend, external id)
used while downloading data back for post-upload verification.

It also carries RestoreOwnership, the fixpoint the Verify/Tidy and
failure paths rely on to hand a source tree's uid/gid/mode back to its
original values.
*/
package staging
