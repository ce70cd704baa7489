/*
Package manager implements the business logic shared by every daemon:
claiming and releasing requests, advancing stages, and the failure path
that restores source-tree ownership and unlocks a request.

Manager wraps a storage.Store and adds the invariants the store alone
cannot enforce — monotone stage transitions, migration-failure side
effects, and quota bookkeeping. Stage changes, claims and failures go
through Manager; for archive, file and other entity rows, daemons use
the store that Manager.Store exposes.
*/
package manager
