package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/credential"
	"github.com/die-net/socksfarm/internal/store"
)

// Syncer applies the pool description file to the store.
type Syncer struct {
	DB       *store.DB
	PoolFile string
	Start    int
	End      int
	Log      zerolog.Logger
}

// Stats reports what one Sync changed.
type Stats struct {
	Declared    int
	Inserted    int
	Updated     int
	Removed     int
	Assigned    int // declared ports left untouched because they are bound
	Stale       int // undeclared ports kept because they are still bound
	Regenerated bool
}

// Sync loads or regenerates the description for [Start, End] and upserts it.
// Only free entries are inserted, rewritten or removed; an assigned entry
// keeps its credential until it is freed.
func (s *Syncer) Sync(ctx context.Context) (Stats, error) {
	entries, regenerated, err := credential.LoadOrCreate(s.PoolFile, s.Start, s.End, s.Log)
	if err != nil {
		return Stats{}, fmt.Errorf("load pool file: %w", err)
	}

	var st Stats
	err = s.DB.InTx(ctx, func(tx *sql.Tx) error {
		st = Stats{Declared: len(entries), Regenerated: regenerated}
		return apply(ctx, tx, entries, time.Now(), &st)
	})
	if err != nil {
		return Stats{}, err
	}

	ev := s.Log.Debug()
	if st.Inserted > 0 || st.Updated > 0 || st.Removed > 0 || regenerated {
		ev = s.Log.Info()
	}
	ev.Int("declared", st.Declared).
		Int("inserted", st.Inserted).
		Int("updated", st.Updated).
		Int("removed", st.Removed).
		Int("assigned", st.Assigned).
		Int("stale", st.Stale).
		Bool("regenerated", regenerated).
		Msg("pool synced")
	return st, nil
}

type current struct {
	status   string
	username string
	password string
}

func apply(ctx context.Context, tx *sql.Tx, entries []credential.Entry, now time.Time, st *Stats) error {
	existing, err := loadCurrent(ctx, tx)
	if err != nil {
		return err
	}
	ts := store.Unix(now)

	declared := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		declared[e.Port] = struct{}{}

		cur, ok := existing[e.Port]
		switch {
		case ok && cur.status != store.EntryFree:
			st.Assigned++
			continue
		case ok && cur.username == e.Username && cur.password == e.Password:
			continue
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO pool_entries (port, username, password, status, created_at, updated_at)
			VALUES (?, ?, ?, 'free', ?, ?)
			ON CONFLICT(port) DO UPDATE SET
				username = excluded.username,
				password = excluded.password,
				updated_at = excluded.updated_at
			WHERE pool_entries.status = 'free'`,
			e.Port, e.Username, e.Password, ts, ts)
		if err != nil {
			return fmt.Errorf("upsert port %d: %w", e.Port, err)
		}
		if ok {
			st.Updated++
		} else {
			st.Inserted++
		}
	}

	// An empty description never wipes the pool.
	if len(entries) == 0 {
		return nil
	}

	for port, cur := range existing {
		if _, ok := declared[port]; ok {
			continue
		}
		if cur.status != store.EntryFree {
			st.Stale++
			continue
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pool_entries WHERE port = ? AND status = 'free'`, port)
		if err != nil {
			return fmt.Errorf("remove port %d: %w", port, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		st.Removed += int(n)
	}
	return nil
}

func loadCurrent(ctx context.Context, tx *sql.Tx) (map[int]current, error) {
	rows, err := tx.QueryContext(ctx, `SELECT port, status, username, password FROM pool_entries`)
	if err != nil {
		return nil, fmt.Errorf("query pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	m := make(map[int]current)
	for rows.Next() {
		var port int
		var c current
		if err := rows.Scan(&port, &c.status, &c.username, &c.password); err != nil {
			return nil, err
		}
		m[port] = c
	}
	return m, rows.Err()
}
