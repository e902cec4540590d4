package store

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	subscriber_id INTEGER NOT NULL,
	slot_count    INTEGER NOT NULL CHECK (slot_count > 0),
	status        TEXT    NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired')),
	notified      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_subscriber ON leases(subscriber_id);
CREATE INDEX IF NOT EXISTS idx_leases_due ON leases(status, expires_at);

CREATE TABLE IF NOT EXISTS lease_slots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	lease_id      INTEGER NOT NULL REFERENCES leases(id),
	subscriber_id INTEGER NOT NULL,
	slot_number   INTEGER NOT NULL CHECK (slot_number > 0),
	pool_entry_id INTEGER NOT NULL,
	port          INTEGER NOT NULL,
	token         TEXT    NOT NULL UNIQUE,
	status        TEXT    NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired')),
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	UNIQUE (lease_id, slot_number)
);

CREATE INDEX IF NOT EXISTS idx_slots_subscriber ON lease_slots(subscriber_id, status);
CREATE INDEX IF NOT EXISTS idx_slots_due ON lease_slots(status, expires_at);

CREATE TABLE IF NOT EXISTS pool_entries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	port             INTEGER NOT NULL UNIQUE CHECK (port BETWEEN 1 AND 65535),
	username         TEXT    NOT NULL,
	password         TEXT    NOT NULL,
	status           TEXT    NOT NULL DEFAULT 'free' CHECK (status IN ('free', 'assigned')),
	assigned_slot_id INTEGER UNIQUE REFERENCES lease_slots(id),
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	CHECK ((status = 'assigned') = (assigned_slot_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_pool_free ON pool_entries(status, port);
`
