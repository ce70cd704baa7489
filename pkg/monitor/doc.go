/*
Package monitor implements the Monitor daemon: it polls each backend for
asynchronous batches that have finished uploading, downloading or
deleting since the last tick and advances the matching in-flight
requests, and it watches for requests that have sat locked in the same
stage for too long, logging them for an operator to investigate. The
watchdog never unlocks anything itself — releasing a lock without
knowing why its holder died risks double-processing, so recovery is
left to the unlock-requests tool.
*/
package monitor
