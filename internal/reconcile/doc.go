// Package reconcile holds the periodic workers: the pool sync that applies
// the pool description to the store, the expiry sweep, and the relay-side
// listener refresh.
package reconcile
