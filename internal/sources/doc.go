// Package sources implements the registry adapters that discover recently
// updated packages on external registries and turn them into candidates for
// ingestion. Each adapter owns its own HTTP client and adaptive rate limiter;
// adapters share no mutable state.
package sources
