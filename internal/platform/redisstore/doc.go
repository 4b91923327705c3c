// Package redisstore implements the task queue backend on redis, so any
// number of processes can share queues. Waiting ids live in a sorted set
// scored by priority and enqueue time; ledger records and counters live in
// hashes. Dequeue pops atomically with ZPOPMAX or BZPOPMAX, which is what
// keeps a task from being handed to two workers.
package redisstore
