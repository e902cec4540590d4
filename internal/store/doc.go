// Package store is the persisted pool and lease state shared by the relay
// and the allocator. It is the only channel between the two; neither side
// keeps authoritative state in memory.
package store
