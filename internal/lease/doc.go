// Package lease binds free pool entries to subscriber leases and releases
// them on revocation or expiry.
//
// Every mutation runs in one store transaction. A pool entry is claimed with
// a guarded update that only succeeds while the entry is still free; losing
// that race aborts the transaction and the store retries it, so two
// allocations never bind the same entry.
package lease
