package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the durable record of users, orders and trades. It is the single
// source of truth; every cache is a projection of it.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open opens (or creates) the venue database. WAL keeps readers unblocked
// during trade commits; _txlock=immediate acquires the write lock at BEGIN so
// trade transactions serialize instead of failing late with SQLITE_BUSY.
func Open(path string, log *zap.Logger) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate&_loc=UTC"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store, used by tests. The shared cache keeps
// every pooled connection on the same database; the pool is capped at one
// writer to mirror the file-backed serialization.
func OpenMemory(name string, log *zap.Logger) (*Store, error) {
	dsn := "file:" + name + "?mode=memory&cache=shared&_foreign_keys=on&_txlock=immediate&_loc=UTC"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store reachability for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	handle       TEXT NOT NULL UNIQUE,
	messaging_id TEXT NOT NULL DEFAULT '',
	is_admin     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	owner         TEXT NOT NULL REFERENCES users(id),
	contract      TEXT NOT NULL,
	side          INTEGER NOT NULL,
	price         TEXT NOT NULL,
	original_qty  INTEGER NOT NULL CHECK (original_qty > 0),
	remaining_qty INTEGER NOT NULL CHECK (remaining_qty >= 0),
	status        INTEGER NOT NULL,
	counterparty  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_contract_status ON orders(contract, status);
CREATE INDEX IF NOT EXISTS idx_orders_owner_status ON orders(owner, status);
CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(status, expires_at);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	contract     TEXT NOT NULL,
	price        TEXT NOT NULL,
	qty          INTEGER NOT NULL CHECK (qty > 0),
	buyer_order  TEXT NOT NULL REFERENCES orders(id),
	seller_order TEXT NOT NULL REFERENCES orders(id),
	buyer        TEXT NOT NULL REFERENCES users(id),
	seller       TEXT NOT NULL REFERENCES users(id),
	commission   TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_contract ON trades(contract, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades(buyer, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller, created_at);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
