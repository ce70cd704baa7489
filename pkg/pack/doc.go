/*
Package pack implements the Pack daemon's tar pack/unpack pipeline for
backends whose PackData() is true (tape). Packing tars up an archive's
files (skipping DIR entries, created on extract) and records the tar's
ADLER-32 digest and size back onto the archive. Unpacking verifies that
digest before extracting, failing the request on mismatch rather than
trusting a possibly-corrupted download.

Packing finishes by transitioning the request to PUTTING, the stage that
follows PUT_PACKING in the PUT track; the Transfer daemon then streams
the staged tars from there.
*/
package pack
