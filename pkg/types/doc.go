/*
Package types defines the domain model shared by every daemon: users,
workspaces, quotas, migrations and their archives/files, and the requests
that move a migration through its stages.

A Migration is the durable record of a batch of data once it has left (or
while it is leaving) a user's workspace. A MigrationRequest is the unit of
work a daemon claims and advances — it carries its own fine-grained Stage
independent of the Migration's coarser MigrationStage, because several
requests (e.g. concurrent GETs) may reference the same Migration.
*/
package types
