// Package resilience wraps sony/gobreaker circuit breakers used around
// upstream calls.
package resilience
