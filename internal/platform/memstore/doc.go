// Package memstore provides an in-memory queue backend. It is used by the
// "memory" store driver and by the task engine's unit tests.
package memstore
