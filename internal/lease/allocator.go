package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/store"
)

// Allocator hands out and reclaims pool entries.
type Allocator struct {
	db  *store.DB
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Allocator)

// WithClock replaces the wall clock used for lease timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func New(db *store.DB, log zerolog.Logger, opts ...Option) *Allocator {
	a := &Allocator{db: db, log: log, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate binds req.Slots free entries, lowest port first, to a new lease.
// If the pool is short it returns *InsufficientPoolError and binds nothing.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Grant, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var grant *Grant
	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		grant, err = a.allocate(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.log.Info().
		Int64("subscriber", req.SubscriberID).
		Int64("lease", grant.LeaseID).
		Int("slots", len(grant.Slots)).
		Time("expires", grant.ExpiresAt).
		Msg("lease allocated")
	return grant, nil
}

func (a *Allocator) allocate(ctx context.Context, tx *sql.Tx, req Request) (*Grant, error) {
	now := a.now().UTC().Truncate(time.Second)
	expires := now.Add(req.Duration)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, port, username, password FROM pool_entries
		WHERE status = 'free' ORDER BY port LIMIT ?`, req.Slots)
	if err != nil {
		return nil, fmt.Errorf("select free entries: %w", err)
	}
	var free []store.PoolEntry
	for rows.Next() {
		var e store.PoolEntry
		if err := rows.Scan(&e.ID, &e.Port, &e.Username, &e.Password); err != nil {
			_ = rows.Close()
			return nil, err
		}
		free = append(free, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(free) < req.Slots {
		n, err := countFree(ctx, tx)
		if err != nil {
			return nil, err
		}
		return nil, &InsufficientPoolError{Requested: req.Slots, Free: n}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO leases (subscriber_id, slot_count, status, created_at, expires_at)
		VALUES (?, ?, 'active', ?, ?)`,
		req.SubscriberID, req.Slots, store.Unix(now), store.Unix(expires))
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	leaseID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	grant := &Grant{
		LeaseID:      leaseID,
		SubscriberID: req.SubscriberID,
		CreatedAt:    now,
		ExpiresAt:    expires,
		Slots:        make([]Slot, 0, len(free)),
	}

	for i, e := range free {
		slot := Slot{
			LeaseID:    leaseID,
			SlotNumber: i + 1,
			Port:       e.Port,
			Username:   e.Username,
			Password:   e.Password,
			Token:      uuid.NewString(),
			Status:     store.StatusActive,
			ExpiresAt:  expires,
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO lease_slots (lease_id, subscriber_id, slot_number, pool_entry_id, port, token, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
			leaseID, req.SubscriberID, slot.SlotNumber, e.ID, e.Port, slot.Token, store.Unix(now), store.Unix(expires))
		if err != nil {
			return nil, fmt.Errorf("insert slot %d: %w", slot.SlotNumber, err)
		}
		if slot.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}

		if err := claim(ctx, tx, e.ID, slot.ID, now); err != nil {
			return nil, fmt.Errorf("port %d: %w", e.Port, err)
		}
		grant.Slots = append(grant.Slots, slot)
	}

	return grant, nil
}

// claim flips a free entry to assigned. It fails with store.ErrConflict if
// the entry is no longer free.
func claim(ctx context.Context, tx *sql.Tx, entryID, slotID int64, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pool_entries SET status = 'assigned', assigned_slot_id = ?, updated_at = ?
		WHERE id = ? AND status = 'free'`,
		slotID, store.Unix(now), entryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return store.ErrConflict
	}
	return nil
}

// Revoke expires the active slots of leaseID owned by subscriberID and frees
// their entries. slotID selects one slot, AllSlots every slot. Once no slot
// of the lease is active the lease is expired as well. Revoking a slot that
// is already expired frees nothing.
func (a *Allocator) Revoke(ctx context.Context, subscriberID, leaseID, slotID int64) (int, error) {
	var freed int
	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		freed = 0
		now := a.now().UTC()

		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT subscriber_id FROM leases WHERE id = ?`, leaseID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != subscriberID) {
			return fmt.Errorf("%w: %d", ErrLeaseNotFound, leaseID)
		}
		if err != nil {
			return err
		}

		if slotID != AllSlots {
			var n int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lease_slots WHERE id = ? AND lease_id = ?`, slotID, leaseID).Scan(&n)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
			}
		}

		ids, err := activeSlotIDs(ctx, tx, `lease_id = ? AND (? = 0 OR id = ?)`, leaseID, slotID, slotID)
		if err != nil {
			return err
		}
		if freed, err = release(ctx, tx, ids, now); err != nil {
			return err
		}
		return expireDrained(ctx, tx, `id = ?`, leaseID)
	})
	if err != nil {
		return 0, err
	}

	if freed > 0 {
		a.log.Info().Int64("subscriber", subscriberID).Int64("lease", leaseID).Int("freed", freed).Msg("lease revoked")
	}
	return freed, nil
}

// RevokeSubscriber expires every active slot of subscriberID across all of
// its leases.
func (a *Allocator) RevokeSubscriber(ctx context.Context, subscriberID int64) (int, error) {
	var freed int
	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		ids, err := activeSlotIDs(ctx, tx, `subscriber_id = ?`, subscriberID)
		if err != nil {
			return err
		}
		if freed, err = release(ctx, tx, ids, a.now().UTC()); err != nil {
			return err
		}
		return expireDrained(ctx, tx, `subscriber_id = ?`, subscriberID)
	})
	if err != nil {
		return 0, err
	}

	if freed > 0 {
		a.log.Info().Int64("subscriber", subscriberID).Int("freed", freed).Msg("subscriber revoked")
	}
	return freed, nil
}

func activeSlotIDs(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM lease_slots WHERE status = 'active' AND `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// release expires the given slots and frees the entries bound to them.
func release(ctx context.Context, tx *sql.Tx, slotIDs []int64, now time.Time) (int, error) {
	freed := 0
	for _, id := range slotIDs {
		res, err := tx.ExecContext(ctx, `UPDATE lease_slots SET status = 'expired' WHERE id = ? AND status = 'active'`, id)
		if err != nil {
			return 0, fmt.Errorf("expire slot %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, err
		} else if n == 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE pool_entries SET status = 'free', assigned_slot_id = NULL, updated_at = ?
			WHERE assigned_slot_id = ?`, store.Unix(now), id); err != nil {
			return 0, fmt.Errorf("free entry of slot %d: %w", id, err)
		}
		freed++
	}
	return freed, nil
}

// expireDrained expires matching active leases that have no active slot left.
func expireDrained(ctx context.Context, tx *sql.Tx, where string, args ...any) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE leases SET status = 'expired'
		WHERE status = 'active' AND `+where+` AND NOT EXISTS (
			SELECT 1 FROM lease_slots WHERE lease_slots.lease_id = leases.id AND lease_slots.status = 'active'
		)`, args...)
	if err != nil {
		return fmt.Errorf("expire drained leases: %w", err)
	}
	return nil
}

// SweepExpired expires every lease and slot that is due, frees their
// entries, and returns the subscribers with newly expired leases. Each
// lease is reported by exactly one sweep.
func (a *Allocator) SweepExpired(ctx context.Context) ([]int64, error) {
	var notify []int64
	var leases, slots, freed int64

	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		notify = nil
		now := store.Unix(a.now())

		res, err := tx.ExecContext(ctx, `
			UPDATE leases SET status = 'expired'
			WHERE status = 'active' AND expires_at <= ?`, now)
		if err != nil {
			return fmt.Errorf("expire leases: %w", err)
		}
		if leases, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE lease_slots SET status = 'expired'
			WHERE status = 'active' AND (
				expires_at <= ? OR lease_id IN (SELECT id FROM leases WHERE status = 'expired')
			)`, now)
		if err != nil {
			return fmt.Errorf("expire slots: %w", err)
		}
		if slots, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE pool_entries SET status = 'free', assigned_slot_id = NULL, updated_at = ?
			WHERE status = 'assigned' AND assigned_slot_id IN (
				SELECT id FROM lease_slots WHERE status = 'expired'
			)`, now)
		if err != nil {
			return fmt.Errorf("free entries: %w", err)
		}
		if freed, err = res.RowsAffected(); err != nil {
			return err
		}

		if err := expireDrained(ctx, tx, `1 = 1`); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT subscriber_id FROM leases
			WHERE status = 'expired' AND notified = 0 ORDER BY subscriber_id`)
		if err != nil {
			return fmt.Errorf("select unnotified: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			notify = append(notify, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE leases SET notified = 1 WHERE status = 'expired' AND notified = 0`)
		return err
	})
	if err != nil {
		return nil, err
	}

	if leases > 0 || slots > 0 || len(notify) > 0 {
		a.log.Info().
			Int64("leases", leases).
			Int64("slots", slots).
			Int64("freed", freed).
			Int("subscribers", len(notify)).
			Msg("expired leases swept")
	}
	return notify, nil
}
