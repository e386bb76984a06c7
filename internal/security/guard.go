package security

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"formguard/internal/session"
)

// Form field names shared with the public form markup.
const (
	FieldCSRF       = "csrf_token"
	HeaderCSRF      = "X-CSRF-Token"
	FieldStaticTrap = "website_url"
	FieldTimingTrap = "honey_time"
	FieldCaptcha    = "captcha_answer"

	// ActionSubmit is the rate-limit bucket tag for form submissions.
	ActionSubmit = "form_submit"

	// subjectCaptcha buckets repeated captcha failures per client.
	subjectCaptcha = "captcha"
)

// securityFields are the guard's own form fields; the content filters
// skip them since their values (random tokens) are not user text.
var securityFields = map[string]bool{
	FieldCSRF:       true,
	FieldStaticTrap: true,
	FieldTimingTrap: true,
	FieldCaptcha:    true,
}

// GuardConfig carries the per-check tunables. Validate rejects
// contract violations; they are fatal at startup, never handled
// per-request.
type GuardConfig struct {
	RateLimitMax       int           `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
	CSRFTTL            time.Duration `mapstructure:"csrf_ttl" yaml:"csrf_ttl"`
	CaptchaTTL         time.Duration `mapstructure:"captcha_ttl" yaml:"captcha_ttl"`
	HoneypotMinDelay   time.Duration `mapstructure:"honeypot_min_delay" yaml:"honeypot_min_delay"`
	CaptchaMaxFailures int           `mapstructure:"captcha_max_failures" yaml:"captcha_max_failures"`
	CaptchaLockout     time.Duration `mapstructure:"captcha_lockout" yaml:"captcha_lockout"`
}

// DefaultGuardConfig mirrors the limits the production form runs with:
// five submissions per five minutes, hourly CSRF tokens, a three second
// human floor on form fill-out.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RateLimitMax:       5,
		RateLimitWindow:    5 * time.Minute,
		CSRFTTL:            time.Hour,
		CaptchaTTL:         DefaultCaptchaTTL,
		HoneypotMinDelay:   3 * time.Second,
		CaptchaMaxFailures: 5,
		CaptchaLockout:     15 * time.Minute,
	}
}

// Validate reports the first contract violation in the configuration.
func (c GuardConfig) Validate() error {
	switch {
	case c.RateLimitMax <= 0:
		return fmt.Errorf("rate_limit_max must be positive, got %d", c.RateLimitMax)
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("rate_limit_window must be positive, got %s", c.RateLimitWindow)
	case c.CSRFTTL <= 0:
		return fmt.Errorf("csrf_ttl must be positive, got %s", c.CSRFTTL)
	case c.CaptchaTTL < 0:
		return fmt.Errorf("captcha_ttl must not be negative, got %s", c.CaptchaTTL)
	case c.HoneypotMinDelay <= 0:
		return fmt.Errorf("honeypot_min_delay must be positive, got %s", c.HoneypotMinDelay)
	case c.CaptchaMaxFailures <= 0:
		return fmt.Errorf("captcha_max_failures must be positive, got %d", c.CaptchaMaxFailures)
	case c.CaptchaLockout <= 0:
		return fmt.Errorf("captcha_lockout must be positive, got %s", c.CaptchaLockout)
	}
	return nil
}

// Verdict is the outcome of running a request through the guard.
type Verdict struct {
	Allowed bool
	// Check names the first check that failed, empty when allowed.
	Check string
	// SilentSuccess means the caller must answer with the genuine
	// success response even though the submission is dropped, so bots
	// cannot tell they were caught.
	SilentSuccess bool
	// Message is the non-revealing user-facing rejection text.
	Message string
}

// Guard runs the ordered defense checklist over form submissions.
// Every check failure short-circuits and lands in the event log.
type Guard struct {
	cfg     GuardConfig
	logger  *zap.Logger
	events  *EventLog
	metrics *Metrics

	limiter  *RateLimiter
	brute    *BruteForce
	csrf     *CSRFManager
	honeypot *Honeypot
	captcha  *Captcha
}

// NewGuard wires the defense layer over the given counter store.
// secret signs the timing-honeypot tokens.
func NewGuard(logger *zap.Logger, events *EventLog, metrics *Metrics, store CounterStore, secret []byte, cfg GuardConfig) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guard config: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("guard requires a signing secret")
	}
	return &Guard{
		cfg:      cfg,
		logger:   logger,
		events:   events,
		metrics:  metrics,
		limiter:  NewRateLimiter(logger.Named("ratelimit"), store),
		brute:    NewBruteForce(logger.Named("bruteforce"), store),
		csrf:     NewCSRFManager(logger.Named("csrf")),
		honeypot: NewHoneypot(logger.Named("honeypot"), secret, cfg.HoneypotMinDelay),
		captcha:  NewCaptcha(logger.Named("captcha"), cfg.CaptchaTTL),
	}, nil
}

// CSRF exposes the token manager for the issue endpoint.
func (g *Guard) CSRF() *CSRFManager { return g.csrf }

// Captcha exposes the challenge issuer for the captcha endpoint.
func (g *Guard) Captcha() *Captcha { return g.captcha }

// Honeypot exposes the trap issuer for form rendering.
func (g *Guard) Honeypot() *Honeypot { return g.honeypot }

// Lockouts exposes the brute-force tracker for authenticating callers.
func (g *Guard) Lockouts() *BruteForce { return g.brute }

// CompactCounters prunes rate and lockout records that fell out of
// their windows. The per-request paths already prune the buckets they
// touch; this sweeps the ones nobody revisits.
func (g *Guard) CompactCounters() {
	if err := g.limiter.Compact(g.cfg.RateLimitWindow); err != nil {
		g.logger.Error("compacting rate counters", zap.Error(err))
	}
	if err := g.brute.Compact(g.cfg.CaptchaLockout); err != nil {
		g.logger.Error("compacting lockout counters", zap.Error(err))
	}
}

func (g *Guard) reject(check string, client ClientInfo, details map[string]any, message string) Verdict {
	g.events.Record(check, client, details)
	g.metrics.Blocked.WithLabelValues(check).Inc()
	return Verdict{Check: check, Message: message}
}

func (g *Guard) silent(check string, client ClientInfo) Verdict {
	g.events.Record(check, client, nil)
	g.metrics.Blocked.WithLabelValues(check).Inc()
	return Verdict{Check: check, SilentSuccess: true, Message: MsgSuccess}
}

// User-facing response texts. Rejections never echo internal detail;
// the honeypot paths reuse the genuine success text.
const (
	MsgSuccess      = "Pendaftaran berhasil! Kami akan segera menghubungi Anda."
	MsgRateLimited  = "Terlalu banyak percobaan. Silakan coba lagi dalam beberapa menit."
	MsgBadMethod    = "Metode tidak diizinkan."
	MsgBadCSRF      = "Token keamanan tidak valid."
	MsgBadCaptcha   = "Jawaban verifikasi tidak valid."
	MsgInvalidInput = "Input tidak valid."
)

// Inspect runs the checklist over r for the visitor bound to sess.
// sess may be nil when the client never fetched a token; the CSRF check
// then fails closed. The caller persists sess afterwards: captcha
// consumption mutates it.
func (g *Guard) Inspect(r *http.Request, sess *session.Session) Verdict {
	client := ClientFromRequest(r)

	if suspicious, reasons := CheckSuspicious(client); suspicious {
		// Logged for the record, not blocking on its own.
		g.events.Record("suspicious_activity", client, map[string]any{"reasons": reasons})
	}

	if !g.limiter.Allow(client.IP, ActionSubmit, g.cfg.RateLimitMax, g.cfg.RateLimitWindow) {
		return g.reject("rate_limit_exceeded", client,
			map[string]any{"action": ActionSubmit}, MsgRateLimited)
	}

	if r.Method != http.MethodPost {
		return g.reject("invalid_method", client,
			map[string]any{"method": r.Method}, MsgBadMethod)
	}

	token := r.PostFormValue(FieldCSRF)
	if token == "" {
		token = r.Header.Get(HeaderCSRF)
	}
	if !g.csrf.Validate(sess, token) {
		return g.reject("csrf_failure", client,
			map[string]any{"has_token": token != ""}, MsgBadCSRF)
	}

	if g.honeypot.CheckStatic(r.PostFormValue(FieldStaticTrap)) {
		return g.silent("bot_detected_honeypot", client)
	}
	if g.honeypot.CheckTiming(r.PostFormValue(FieldTimingTrap)) {
		return g.silent("bot_detected_time_honeypot", client)
	}

	if answer := r.PostFormValue(FieldCaptcha); answer != "" || len(sess.CaptchaHash) > 0 {
		if status := g.brute.IsLocked(client.IP, subjectCaptcha, g.cfg.CaptchaMaxFailures, g.cfg.CaptchaLockout); status.Locked {
			return g.reject("captcha_locked", client,
				map[string]any{"remaining_seconds": int(status.Remaining.Seconds())}, MsgRateLimited)
		}
		if !g.captcha.Validate(sess, answer) {
			if err := g.brute.RecordFailure(client.IP, subjectCaptcha); err != nil {
				g.logger.Error("recording captcha failure", zap.Error(err))
			}
			return g.reject("captcha_failure", client, nil, MsgBadCaptcha)
		}
		if err := g.brute.Reset(client.IP, subjectCaptcha); err != nil {
			g.logger.Error("resetting captcha failures", zap.Error(err))
		}
	}

	for field, values := range r.PostForm {
		if securityFields[field] {
			continue
		}
		for _, value := range values {
			if DetectInjection(value) {
				return g.reject("sql_injection_attempt", client,
					map[string]any{"field": field}, MsgInvalidInput)
			}
		}
	}

	g.metrics.Accepted.Inc()
	return Verdict{Allowed: true}
}
