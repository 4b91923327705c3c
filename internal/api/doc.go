// Package api exposes the task engine over HTTP. It decodes and validates
// requests, calls task.Service and maps engine errors to status codes and
// sanitized messages.
package api
