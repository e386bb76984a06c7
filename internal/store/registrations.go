// Package store persists accepted registrations. The defense layer in
// internal/security knows nothing about this package; it is the
// business logic the guard protects.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Registration is one accepted form submission.
type Registration struct {
	ID        int64
	Name      string
	Email     string
	Phone     string
	Program   string
	Message   string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

const registrationSchema = `
CREATE TABLE IF NOT EXISTS registrations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL DEFAULT '',
    email      TEXT NOT NULL,
    phone      TEXT NOT NULL DEFAULT '',
    program    TEXT NOT NULL DEFAULT 'general',
    message    TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registrations_email ON registrations(email, created_at);`

// DB wraps the shared SQLite handle. The counter store reuses the same
// connection, so one file carries all persistent state.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the SQLite database at path and prepares the
// registrations table. Transactions take the write lock immediately so
// read-modify-write cycles in the counter store serialize properly.
func Open(logger *zap.Logger, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(registrationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registrations table: %w", err)
	}
	return &DB{logger: logger, db: db}, nil
}

// Handle exposes the raw connection for the counter store.
func (d *DB) Handle() *sql.DB { return d.db }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// Insert stores a registration and returns its ID.
func (d *DB) Insert(reg *Registration) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO registrations (name, email, phone, program, message, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.Name, reg.Email, reg.Phone, reg.Program, reg.Message,
		reg.IPAddress, reg.UserAgent, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert registration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read registration id: %w", err)
	}
	d.logger.Info("registration stored", zap.Int64("id", id))
	return id, nil
}

// RecentByEmail reports whether email already registered since the
// given time. Duplicate submissions inside the window are acknowledged
// as successes without a second insert.
func (d *DB) RecentByEmail(email string, since time.Time) (bool, error) {
	var id int64
	err := d.db.QueryRow(
		`SELECT id FROM registrations WHERE email = ? AND created_at > ? LIMIT 1`,
		email, since.Unix(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check recent registration: %w", err)
	}
	return true, nil
}
