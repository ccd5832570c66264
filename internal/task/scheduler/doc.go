// Package scheduler turns cron expressions and intervals into trigger calls.
//
// It never executes pipeline work itself: a trigger hands the tick time to a
// callback (usually the launcher), which decides the partition and enqueues
// a run on the run engine.
package scheduler
