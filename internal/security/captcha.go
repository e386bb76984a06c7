package security

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"formguard/internal/session"
)

// DefaultCaptchaTTL is how long an issued challenge stays answerable.
const DefaultCaptchaTTL = 5 * time.Minute

// Captcha issues one-time arithmetic challenges. Only a bcrypt hash of
// the answer is bound to the session; the challenge is consumed on the
// first validation attempt no matter the outcome, so a captured answer
// cannot be replayed.
type Captcha struct {
	logger *zap.Logger
	ttl    time.Duration
	clock  func() time.Time
	intN   func(n int) int
}

// NewCaptcha creates a challenge issuer with the given TTL. A ttl of
// zero means DefaultCaptchaTTL.
func NewCaptcha(logger *zap.Logger, ttl time.Duration) *Captcha {
	if ttl == 0 {
		ttl = DefaultCaptchaTTL
	}
	return &Captcha{
		logger: logger,
		ttl:    ttl,
		clock:  time.Now,
		intN:   rand.Intn,
	}
}

// Issue draws a fresh challenge, binds its answer hash to the session
// and returns the question text. Any previous challenge is replaced:
// at most one is live per session. The caller persists the session.
func (c *Captcha) Issue(sess *session.Session) (string, error) {
	a := c.intN(20) + 1
	b := c.intN(20) + 1

	var op string
	var answer int
	if c.intN(2) == 0 {
		op = "+"
		answer = a + b
	} else {
		op = "-"
		if a < b {
			a, b = b, a
		}
		answer = a - b
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(strconv.Itoa(answer)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash captcha answer: %w", err)
	}

	sess.CaptchaHash = hash
	sess.CaptchaIssued = c.clock()
	return fmt.Sprintf("%d %s %d = ?", a, op, b), nil
}

// Validate checks userAnswer against the session's live challenge.
// The challenge is deleted from the session before the verdict is
// returned, on success, mismatch and expiry alike. The caller persists
// the session so the deletion sticks.
func (c *Captcha) Validate(sess *session.Session, userAnswer string) bool {
	hash := sess.CaptchaHash
	issued := sess.CaptchaIssued
	sess.CaptchaHash = nil
	sess.CaptchaIssued = time.Time{}

	if len(hash) == 0 {
		return false
	}
	if c.clock().Sub(issued) > c.ttl {
		c.logger.Debug("captcha expired", zap.String("session", sess.ID))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(userAnswer)) == nil
}
