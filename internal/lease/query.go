package lease

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/die-net/socksfarm/internal/store"
)

// FreeCount returns the number of free pool entries.
func (a *Allocator) FreeCount(ctx context.Context) (int, error) {
	return countFree(ctx, a.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countFree(ctx context.Context, q queryer) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_entries WHERE status = 'free'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count free entries: %w", err)
	}
	return n, nil
}

const slotColumns = `s.id, s.lease_id, s.slot_number, s.port, p.username, p.password, s.token, s.status, s.expires_at`

// ActiveSlotsFor returns the subscriber's usable slots, soonest expiry first.
func (a *Allocator) ActiveSlotsFor(ctx context.Context, subscriberID int64) ([]Slot, error) {
	return a.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM lease_slots s
		JOIN leases l ON l.id = s.lease_id
		JOIN pool_entries p ON p.id = s.pool_entry_id
		WHERE s.subscriber_id = ? AND s.status = 'active' AND l.status = 'active' AND s.expires_at > ?
		ORDER BY s.expires_at, s.lease_id, s.slot_number`,
		subscriberID, store.Unix(a.now()))
}

// SlotsFor returns every slot the subscriber was ever granted, newest first.
// Credentials of expired slots are those the port carries now, not those in
// force while the slot was active.
func (a *Allocator) SlotsFor(ctx context.Context, subscriberID int64) ([]Slot, error) {
	return a.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM lease_slots s
		JOIN pool_entries p ON p.id = s.pool_entry_id
		WHERE s.subscriber_id = ?
		ORDER BY s.created_at DESC, s.id DESC`,
		subscriberID)
}

// ActiveLeasesFor returns the subscriber's unexpired leases.
func (a *Allocator) ActiveLeasesFor(ctx context.Context, subscriberID int64) ([]Lease, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, subscriber_id, slot_count, status, created_at, expires_at
		FROM leases
		WHERE subscriber_id = ? AND status = 'active' AND expires_at > ?
		ORDER BY expires_at`,
		subscriberID, store.Unix(a.now()))
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leases []Lease
	for rows.Next() {
		var l Lease
		var created, expires int64
		if err := rows.Scan(&l.ID, &l.SubscriberID, &l.SlotCount, &l.Status, &created, &expires); err != nil {
			return nil, err
		}
		l.CreatedAt, l.ExpiresAt = store.Time(created), store.Time(expires)
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

func (a *Allocator) querySlots(ctx context.Context, query string, args ...any) ([]Slot, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var slots []Slot
	for rows.Next() {
		var s Slot
		var expires int64
		if err := rows.Scan(&s.ID, &s.LeaseID, &s.SlotNumber, &s.Port, &s.Username, &s.Password, &s.Token, &s.Status, &expires); err != nil {
			return nil, err
		}
		s.ExpiresAt = store.Time(expires)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}
