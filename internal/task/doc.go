// Package task implements the background task engine: a function registry,
// durable priority queues with a status ledger, worker loops that apply the
// retry policy, a cron and delay scheduler, and the Manager that owns them.
//
// Tasks only reference their handler by a registered function key, so a
// task record can be stored and picked up by any process that registered
// the same functions. Dequeue is atomic in every backend, which is what
// guarantees that at most one worker executes a task at a time.
package task
