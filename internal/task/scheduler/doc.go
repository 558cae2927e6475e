// Package scheduler fires named jobs on cron or interval schedules.
//
// A trigger never runs the job itself. It enqueues a task into the task
// engine, which owns the workers, so a slow rotation never blocks the clock.
package scheduler
