// Package reliability provides fault-tolerance primitives for broker-facing
// operations: a sliding-window circuit breaker shared by every in-flight
// operation, and the exponential backoff schedule used when establishing
// connections.
package reliability
