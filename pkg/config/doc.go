// Package config loads the JSON configuration file shared by every
// daemon: a "backends" block of per-backend options and a "processes"
// block of per-daemon THREADS/LOG_LEVEL/RUN_EVERY settings.
package config
