// Package store defines the persistence contract of the task engine.
// QueueBackend abstracts the external store holding priority queues and the
// task status ledger, so the queue, workers and scheduler stay independent of
// whether redis, postgres or process memory backs them.
package store
