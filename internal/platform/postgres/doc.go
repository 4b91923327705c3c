// Package postgres implements store.QueueBackend on PostgreSQL through the
// pgx database/sql driver. Pending tasks are claimed with
// SELECT ... FOR UPDATE SKIP LOCKED, which makes dequeue atomic across
// processes. The schema ships as embedded goose migrations applied by
// Migrate.
package postgres
