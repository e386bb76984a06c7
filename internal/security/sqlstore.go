package security

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLCounterStore is the CounterStore backend for multi-process
// deployments. Every Update runs inside an immediate transaction so the
// read-modify-write cycle holds the database write lock for its whole
// duration; two workers can never both observe the same stale count.
type SQLCounterStore struct {
	db *sql.DB
}

const counterSchema = `
CREATE TABLE IF NOT EXISTS counters (
    key        TEXT PRIMARY KEY,
    record     TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);`

// NewSQLCounterStore prepares the counters table on db. The caller owns
// the connection; the registration repository shares the same database
// file in the default deployment.
func NewSQLCounterStore(db *sql.DB) (*SQLCounterStore, error) {
	if _, err := db.Exec(counterSchema); err != nil {
		return nil, fmt.Errorf("create counters table: %w", err)
	}
	return &SQLCounterStore{db: db}, nil
}

func (s *SQLCounterStore) Get(key string) (Record, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT record FROM counters WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read counter %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode counter %q: %w", key, err)
	}
	return rec, true, nil
}

func (s *SQLCounterStore) Update(key string, fn UpdateFunc) (Record, error) {
	// The database is opened with _txlock=immediate, so this transaction
	// takes the write lock up front and the SELECT below is already
	// serialized against concurrent updaters.
	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("begin counter update: %w", err)
	}
	defer tx.Rollback()

	var (
		rec   Record
		found bool
	)
	var raw string
	err = tx.QueryRow(`SELECT record FROM counters WHERE key = ?`, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first touch of this key
	case err != nil:
		return Record{}, fmt.Errorf("read counter %q: %w", key, err)
	default:
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return Record{}, fmt.Errorf("decode counter %q: %w", key, err)
		}
		found = true
	}

	updated, keep := fn(rec, found)
	if keep {
		encoded, err := json.Marshal(updated)
		if err != nil {
			return Record{}, fmt.Errorf("encode counter %q: %w", key, err)
		}
		_, err = tx.Exec(
			`INSERT INTO counters (key, record, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
			key, string(encoded), time.Now().Unix(),
		)
		if err != nil {
			return Record{}, fmt.Errorf("write counter %q: %w", key, err)
		}
	} else if found {
		if _, err := tx.Exec(`DELETE FROM counters WHERE key = ?`, key); err != nil {
			return Record{}, fmt.Errorf("delete counter %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit counter %q: %w", key, err)
	}
	return updated, nil
}

func (s *SQLCounterStore) Compact(expired ExpireFunc) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT key, record FROM counters`)
	if err != nil {
		return fmt.Errorf("scan counters: %w", err)
	}

	var stale []string
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan counter row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Undecodable rows are dead weight, drop them.
			stale = append(stale, key)
			continue
		}
		if expired(key, rec) {
			stale = append(stale, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate counters: %w", err)
	}

	for _, key := range stale {
		if _, err := tx.Exec(`DELETE FROM counters WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete counter %q: %w", key, err)
		}
	}
	return tx.Commit()
}
