package testutil

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/store"
)

// OpenDB opens a fresh file-backed database that is closed when t ends.
func OpenDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "socksfarm.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// SeedPool inserts free entries for ports [start, end] with username
// u<port> and password p<port>.
func SeedPool(t *testing.T, db *store.DB, start, end int) {
	t.Helper()

	now := time.Now().Unix()
	for port := start; port <= end; port++ {
		p := strconv.Itoa(port)
		_, err := db.Exec(`INSERT INTO pool_entries (port, username, password, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			port, "u"+p, "p"+p, now, now)
		if err != nil {
			t.Fatal(err)
		}
	}
}
