package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Honeypot implements the two bot traps: a hidden static field that
// humans never fill, and a timing field carrying a signed
// earliest-plausible-submission deadline. Either trap alone flags the
// submission as automated.
type Honeypot struct {
	logger   *zap.Logger
	secret   []byte
	minDelay time.Duration
	clock    func() time.Time
}

// NewHoneypot creates a honeypot checker. secret signs the timing
// tokens so a bot cannot forge a deadline in the past; minDelay is the
// shortest fill-out time considered human.
func NewHoneypot(logger *zap.Logger, secret []byte, minDelay time.Duration) *Honeypot {
	return &Honeypot{
		logger:   logger,
		secret:   secret,
		minDelay: minDelay,
		clock:    time.Now,
	}
}

// CheckStatic reports bot=true when the hidden field came back
// non-empty, regardless of any other field.
func (h *Honeypot) CheckStatic(value string) bool {
	return value != ""
}

// IssueTiming returns the signed timing-field value for a freshly
// rendered form. The embedded deadline is issue time plus the minimum
// plausible fill-out delay.
func (h *Honeypot) IssueTiming() (string, error) {
	now := h.clock()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
		"nbf": now.Add(h.minDelay).Unix(),
	})
	signed, err := token.SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign timing token: %w", err)
	}
	return signed, nil
}

// CheckTiming reports bot=true when the timing field is missing
// (genuine forms always carry it), forged, or submitted before its
// deadline. A submission at or after the deadline has necessarily
// taken at least minDelay and passes.
func (h *Honeypot) CheckTiming(value string) bool {
	if value == "" {
		return true
	}

	token, err := jwt.Parse(value, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(h.clock))
	if err != nil || !token.Valid {
		h.logger.Debug("timing honeypot token rejected", zap.Error(err))
		return true
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return true
	}
	deadline, err := claims.GetNotBefore()
	if err != nil || deadline == nil {
		return true
	}
	return h.clock().Before(deadline.Time)
}
