// Package fetcher selects a price fetcher by platform and applies per-platform
// politeness before delegating to it.
package fetcher
