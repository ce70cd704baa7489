/*
Package ftp implements backend.Backend over a plain FTP control/data
connection using jlaffaye/ftp. New batches become a directory named
gws-<workspace>-<NNNNNNNNNN>, following the site's FTP batch-naming
rule; N is one past the highest existing suffix under the workspace's
root so batch numbers never collide across restarts.
*/
package ftp
