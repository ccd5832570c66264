// Package storage persists orchestration state: runs, asset
// materializations, source observations, sensor cursors and launched run
// keys, plus notifier dedup entries.
package storage
