/*
Package storage provides BoltDB-backed persistence for the migration
orchestrator's request store.

The relational store described at the entity level by the wider system is
implemented here as a single embedded key-value database: one bucket per
entity kind, JSON-encoded values, and a request's locked flag guarded by
BoltDB's single-writer transaction rather than a SQL row lock. Every write a
daemon makes — claiming a request, advancing its stage, recording an
archive digest — goes through one Update transaction, so there is never a
window where a crash leaves the store half-written.
*/
package storage
