/*
Package transfer implements the Transfer daemon: it assigns a migration
its external batch id on first contact with a backend, partitions an
upload or download's file list across a fixed worker pool, and streams
each slice through a pooled backend connection.
*/
package transfer
