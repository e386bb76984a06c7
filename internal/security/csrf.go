package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"formguard/internal/session"
)

// csrfTokenBytes gives 256 bits of entropy per token.
const csrfTokenBytes = 32

// CSRFManager issues and validates the per-session anti-forgery token.
// The token lives in the visitor's session; the caller persists the
// session after Issue.
type CSRFManager struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewCSRFManager creates a CSRF token manager.
func NewCSRFManager(logger *zap.Logger) *CSRFManager {
	return &CSRFManager{logger: logger, clock: time.Now}
}

// Issue returns the session's live token, minting a new one when none
// exists or the current one has expired. Validation never extends a
// token's life; a new one is only minted after expiry.
func (m *CSRFManager) Issue(sess *session.Session, ttl time.Duration) (string, error) {
	now := m.clock()
	if sess.CSRFToken != "" && now.Before(sess.CSRFExpires) {
		return sess.CSRFToken, nil
	}

	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}

	sess.CSRFToken = hex.EncodeToString(buf)
	sess.CSRFExpires = now.Add(ttl)
	m.logger.Debug("issued csrf token", zap.String("session", sess.ID), zap.Time("expires", sess.CSRFExpires))
	return sess.CSRFToken, nil
}

// Validate reports whether submitted matches the session's live token.
// Fails closed: no session token, an expired token, or a mismatch all
// return false. The comparison is constant-time.
func (m *CSRFManager) Validate(sess *session.Session, submitted string) bool {
	if sess == nil || sess.CSRFToken == "" || submitted == "" {
		return false
	}
	if !m.clock().Before(sess.CSRFExpires) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sess.CSRFToken), []byte(submitted)) == 1
}
