/*
Package objectstore implements backend.Backend against an S3-compatible
object store using minio-go. One bucket per migration batch: NewBatch
creates a bucket named after the workspace and an incrementing counter,
mirroring the FTP backend's gws-<workspace>-<NNNNNNNNNN> batch-naming
convention translated to bucket-naming rules.

Archives ship as their constituent files (PackData reports false,
Piecewise reports true): each file becomes one object keyed by its
arcname under the batch's bucket.
*/
package objectstore
