// Package tracker defines the core types and contracts of the price-tracking
// pipeline: products and their price history, queued jobs and their results,
// and the store, queue, and fetcher capabilities that the API, scheduler, and
// worker processes are wired against.
package tracker
