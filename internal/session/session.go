// Package session stores the per-visitor state the defense layer hangs
// off a session cookie: the live CSRF token, the live CAPTCHA challenge
// and the CSP nonce. The cache evicts whole sessions after the
// configured lifetime, so nothing here outlives its visitor.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no session exists for an ID.
var ErrNotFound = errors.New("session not found")

// Session holds everything bound to one visitor.
type Session struct {
	ID string `json:"id"`

	// CSRF token state. Exactly one live token per session.
	CSRFToken   string    `json:"csrf_token,omitempty"`
	CSRFExpires time.Time `json:"csrf_expires,omitempty"`

	// CAPTCHA challenge state. Only the answer hash is stored, never
	// the plaintext answer.
	CaptchaHash   []byte    `json:"captcha_hash,omitempty"`
	CaptchaIssued time.Time `json:"captcha_issued,omitempty"`

	// Nonce for inline-script CSP allowances on the form page.
	Nonce string `json:"nonce,omitempty"`
}

// Store keeps sessions in a bigcache instance with TTL-based eviction.
type Store struct {
	cache *bigcache.BigCache
}

// NewStore creates a session store whose entries expire after lifetime.
func NewStore(lifetime time.Duration) (*Store, error) {
	if lifetime <= 0 {
		return nil, fmt.Errorf("session lifetime must be positive, got %s", lifetime)
	}
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(lifetime))
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// New creates and persists a fresh session.
func (s *Store) New() (*Session, error) {
	sess := &Session{ID: uuid.NewString()}
	if err := s.Put(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads the session for id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	raw, err := s.cache.Get(id)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Put persists sess under its ID.
func (s *Store) Put(sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := s.cache.Set(sess.ID, raw); err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the session for id. Missing sessions are not an error.
func (s *Store) Delete(id string) error {
	err := s.cache.Delete(id)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying cache.
func (s *Store) Close() error {
	return s.cache.Close()
}
