/*
Package planner implements the archive planner that the Lock daemon
(pkg/lock) runs. It walks a migration's source tree, records per-file
metadata and an ADLER-32 digest, classifies symlinks, sorts the file set
largest-first, and greedily bin-packs it into MigrationArchives that each
reach the backend's minimum object size, except possibly the last one.
*/
package planner
