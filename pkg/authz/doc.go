// Package authz gates requests on roster membership, migration ownership
// and per-workspace storage quotas. Per-backend permission checks are the
// backend's own concern; daemons apply them against an open connection
// after these roster checks pass.
package authz
