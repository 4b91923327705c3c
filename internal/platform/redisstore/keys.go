package redisstore

import "fmt"

// Keys use the {queue} hash tag so every key of one queue maps to the same
// cluster slot, which MULTI and Lua scripts require.

func (b *Backend) pendingKey(queue string) string {
	return fmt.Sprintf("%s:{%s}:pending", b.prefix, queue)
}

func (b *Backend) ledgerKey(queue string) string {
	return fmt.Sprintf("%s:{%s}:ledger", b.prefix, queue)
}

func (b *Backend) statsKey(queue string) string {
	return fmt.Sprintf("%s:{%s}:stats", b.prefix, queue)
}

// score orders the pending set: priority first, then earlier enqueue time.
// Enqueue times in milliseconds stay below 1e13 until the year 2286.
func score(priority int, enqueuedMillis int64) float64 {
	return float64(priority)*1e13 - float64(enqueuedMillis)
}
