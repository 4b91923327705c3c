// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, files). It provides type-safe
// access to the settings needed by the task engine, its store backends and
// the admin server, keeping configuration details out of the engine itself.
package config
