/*
Package backend defines the interface every storage backend implements
and a registry that maps a backend id to a factory, so the Transfer
daemon never imports a concrete backend package directly.

Three concrete backends live in the sibling objectstore, ftp and tape
packages; each hides a different transport (S3-compatible HTTP, FTP
control/data connections, an asynchronous protobuf tape protocol) behind
this one contract.
*/
package backend
