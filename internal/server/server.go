// Package server is the HTTP shell around the defense layer: routing,
// session cookies, CORS and the reference submit handler the guard
// protects.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"formguard/internal/config"
	"formguard/internal/security"
	"formguard/internal/session"
	"formguard/internal/store"
)

// SessionCookie is the name of the visitor session cookie.
const SessionCookie = "formguard_session"

// RegistrationStore is what the submit handler needs from persistence.
type RegistrationStore interface {
	Insert(reg *store.Registration) (int64, error)
	RecentByEmail(email string, since time.Time) (bool, error)
}

// Server wires the guard, sessions and storage behind a mux router.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	guard    *security.Guard
	sessions *session.Store
	regs     RegistrationStore
	flood    *floodGuard
	router   *mux.Router
	http     *http.Server
	done     chan struct{}
}

// New assembles the server. reg is the prometheus gatherer served on
// /metrics; pass prometheus.DefaultGatherer outside tests.
func New(cfg *config.Config, logger *zap.Logger, guard *security.Guard, sessions *session.Store, regs RegistrationStore, reg prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		guard:    guard,
		sessions: sessions,
		regs:     regs,
		flood:    newFloodGuard(cfg.Server.FloodRPS, cfg.Server.FloodBurst),
		router:   mux.NewRouter(),
		done:     make(chan struct{}),
	}

	s.router.Use(s.headersMiddleware, s.floodMiddleware)
	s.router.HandleFunc("/api/security/token", s.handleToken).Methods(http.MethodGet)
	s.router.HandleFunc("/api/security/captcha", s.handleCaptcha).Methods(http.MethodGet)
	s.router.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	go s.housekeeping()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		close(s.done)
		return err
	case <-ctx.Done():
		close(s.done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// housekeeping prunes idle flood limiters while the server runs.
func (s *Server) housekeeping() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flood.prune(5 * time.Minute)
			s.guard.CompactCounters()
		case <-s.done:
			return
		}
	}
}

// Middleware

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.ApplyHeaders(w)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) floodMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.flood.allow(ip) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Session plumbing

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Server.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// ensureSession loads the visitor's session or starts a fresh one.
func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		sess, err := s.sessions.Get(cookie.Value)
		if err == nil {
			return sess, nil
		}
		if err != session.ErrNotFound {
			return nil, err
		}
	}
	sess, err := s.sessions.New()
	if err != nil {
		return nil, err
	}
	s.setSessionCookie(w, sess.ID)
	return sess, nil
}

// loadSession returns nil when the visitor has no live session; the
// guard's CSRF check then fails closed.
func (s *Server) loadSession(r *http.Request) *session.Session {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	sess, err := s.sessions.Get(cookie.Value)
	if err != nil {
		if err != session.ErrNotFound {
			s.logger.Error("loading session", zap.Error(err))
		}
		return nil
	}
	return sess
}

// Handlers

type submitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleToken returns the CSRF token, CSP nonce and timing-honeypot
// value the form page embeds. Cache-disabled: every response carries
// live credentials.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	security.DisableCache(w)

	sess, err := s.ensureSession(w, r)
	if err != nil {
		s.logger.Error("session unavailable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}

	token, err := s.guard.CSRF().Issue(sess, s.cfg.Guard.CSRFTTL)
	if err != nil {
		s.logger.Error("issuing csrf token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}
	if sess.Nonce == "" {
		sess.Nonce = newNonce()
	}
	honey, err := s.guard.Honeypot().IssueTiming()
	if err != nil {
		s.logger.Error("issuing timing honeypot", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}
	if err := s.sessions.Put(sess); err != nil {
		s.logger.Error("saving session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":    token,
		"nonce":    sess.Nonce,
		"honeypot": honey,
	})
}

// handleCaptcha issues a fresh arithmetic challenge bound to the
// session and returns the question text.
func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	security.DisableCache(w)

	sess, err := s.ensureSession(w, r)
	if err != nil {
		s.logger.Error("session unavailable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}

	question, err := s.guard.Captcha().Issue(sess)
	if err != nil {
		s.logger.Error("issuing captcha", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}
	if err := s.sessions.Put(sess); err != nil {
		s.logger.Error("saving session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitResponse{Message: "Terjadi kesalahan sistem. Silakan coba lagi."})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"question": question,
		"expires":  int(security.DefaultCaptchaTTL.Seconds()),
	})
}

// handleRegister runs the full defense pipeline and, when it clears,
// persists the registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	security.DisableCache(w)
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	sess := s.loadSession(r)
	verdict := s.guard.Inspect(r, sess)
	if sess != nil {
		// Captcha consumption mutated the session; persist it even on
		// rejection so a challenge can never be answered twice.
		if err := s.sessions.Put(sess); err != nil {
			s.logger.Error("saving session", zap.Error(err))
		}
	}
	if !verdict.Allowed {
		if verdict.SilentSuccess {
			writeJSON(w, http.StatusOK, submitResponse{Success: true, Message: security.MsgSuccess})
			return
		}
		writeJSON(w, http.StatusOK, submitResponse{Message: verdict.Message})
		return
	}

	reg, errMsg := s.buildRegistration(r)
	if errMsg != "" {
		writeJSON(w, http.StatusOK, submitResponse{Message: errMsg})
		return
	}

	recent, err := s.regs.RecentByEmail(reg.Email, time.Now().Add(-24*time.Hour))
	if err == nil && recent {
		writeJSON(w, http.StatusOK, submitResponse{
			Success: true,
			Message: "Email ini sudah terdaftar dalam 24 jam terakhir. Tim kami akan segera menghubungi Anda.",
		})
		return
	}
	if err != nil {
		s.logger.Error("duplicate check failed", zap.Error(err))
	}

	if _, err := s.regs.Insert(reg); err != nil {
		// The original behaves the same way: a storage failure is not
		// the visitor's problem.
		s.logger.Error("storing registration", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, submitResponse{Success: true, Message: security.MsgSuccess})
}

// buildRegistration validates the business fields and neutralizes the
// free text before persistence. Returns a user-facing message when a
// field is unacceptable.
func (s *Server) buildRegistration(r *http.Request) (*store.Registration, string) {
	client := security.ClientFromRequest(r)

	email := strings.TrimSpace(r.PostFormValue("email"))
	name := strings.TrimSpace(r.PostFormValue("name"))
	phone := strings.TrimSpace(r.PostFormValue("phone"))
	program := strings.TrimSpace(r.PostFormValue("program"))
	message := strings.TrimSpace(r.PostFormValue("message"))
	if program == "" {
		program = "general"
	}

	if email == "" {
		return nil, "Email tidak boleh kosong."
	}
	if !security.ValidEmail(email) {
		return nil, "Format email tidak valid."
	}
	if name != "" && (len(name) < 2 || len(name) > 100) {
		return nil, "Nama harus antara 2-100 karakter."
	}
	if phone != "" && !security.ValidPhone(phone) {
		return nil, "Format nomor telepon tidak valid."
	}
	if message != "" && (len(message) < 10 || len(message) > 1000) {
		return nil, "Pesan harus antara 10-1000 karakter."
	}

	userAgent := client.UserAgent
	if len(userAgent) > 500 {
		userAgent = userAgent[:500]
	}

	return &store.Registration{
		Name:      security.Neutralize(name),
		Email:     email,
		Phone:     security.Neutralize(phone),
		Program:   security.Neutralize(program),
		Message:   security.Neutralize(message),
		IPAddress: client.IP,
		UserAgent: userAgent,
	}, ""
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := s.cfg.Server.AllowedOrigin
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST")
	h.Set("Access-Control-Allow-Headers", fmt.Sprintf("Content-Type, %s, X-Requested-With", security.HeaderCSRF))
	h.Set("Access-Control-Max-Age", "3600")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func newNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
