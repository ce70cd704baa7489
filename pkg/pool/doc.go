/*
Package pool implements the backend connection pool,
keyed by (backend id, request primary key, thread number, uid, mode).
First lookup opens a connection via the backend; subsequent lookups for
the same key reuse it. The pool exists because an asynchronous tape
retrieval must hold its connection open across the whole operation
rather than reopening per file.
*/
package pool
