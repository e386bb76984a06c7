package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"formguard/internal/config"
	"formguard/internal/security"
	"formguard/internal/session"
	"formguard/internal/store"
)

type stubRegs struct {
	inserted []*store.Registration
	recent   bool
}

func (s *stubRegs) Insert(reg *store.Registration) (int64, error) {
	s.inserted = append(s.inserted, reg)
	return int64(len(s.inserted)), nil
}

func (s *stubRegs) RecentByEmail(email string, since time.Time) (bool, error) {
	return s.recent, nil
}

type testEnv struct {
	ts     *httptest.Server
	client *http.Client
	regs   *stubRegs
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.SecureCookies = false
	cfg.Server.FloodRPS = 1000
	cfg.Server.FloodBurst = 1000
	cfg.Storage.Counters = "memory"
	// No human typing delay in tests.
	cfg.Guard.HoneypotMinDelay = time.Nanosecond
	if mutate != nil {
		mutate(cfg)
	}

	logger := zaptest.NewLogger(t)
	guard, err := security.NewGuard(logger, security.NewNopEventLog(), security.NewNopMetrics(),
		security.NewMemoryCounterStore(), []byte("test-secret"), cfg.Guard)
	require.NoError(t, err)

	sessions, err := session.NewStore(cfg.Session.Lifetime)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	regs := &stubRegs{}
	srv := New(cfg, logger, guard, sessions, regs, prometheus.NewRegistry())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		ts:     ts,
		client: &http.Client{Jar: jar},
		regs:   regs,
	}
}

func (e *testEnv) getJSON(t *testing.T, path string) (map[string]any, *http.Response) {
	t.Helper()

	resp, err := e.client.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded), "body: %s", body)
	return decoded, resp
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) map[string]any {
	t.Helper()

	resp, err := e.client.Post(e.ts.URL+path,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded), "body: %s", body)
	return decoded
}

// freshForm fetches form credentials and fills the business fields of a
// legitimate submission.
func (e *testEnv) freshForm(t *testing.T) url.Values {
	t.Helper()

	creds, _ := e.getJSON(t, "/api/security/token")
	form := url.Values{}
	form.Set(security.FieldCSRF, creds["token"].(string))
	form.Set(security.FieldTimingTrap, creds["honeypot"].(string))
	form.Set("name", "Budi Santoso")
	form.Set("email", "budi@example.com")
	form.Set("phone", "081234567890")
	form.Set("message", "Saya ingin mendaftar program pelatihan.")
	return form
}

func solveQuestion(t *testing.T, question string) string {
	t.Helper()

	var a, b int
	var op string
	_, err := fmt.Sscanf(question, "%d %s %d = ?", &a, &op, &b)
	require.NoError(t, err)
	if op == "-" {
		return fmt.Sprintf("%d", a-b)
	}
	return fmt.Sprintf("%d", a+b)
}

func TestServer_TokenEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	creds, resp := env.getJSON(t, "/api/security/token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, creds["token"], 64)
	assert.NotEmpty(t, creds["nonce"])
	assert.NotEmpty(t, creds["honeypot"])

	// Token responses carry live credentials and defensive headers.
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	// The visitor got a session cookie.
	serverURL, err := url.Parse(env.ts.URL)
	require.NoError(t, err)
	cookies := env.client.Jar.Cookies(serverURL)
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)

	// Refreshing reuses the live token for the same session.
	again, _ := env.getJSON(t, "/api/security/token")
	assert.Equal(t, creds["token"], again["token"])
}

func TestServer_RegisterHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)

	result := env.postForm(t, "/api/register", env.freshForm(t))
	assert.Equal(t, true, result["success"])
	assert.Equal(t, security.MsgSuccess, result["message"])

	require.Len(t, env.regs.inserted, 1)
	reg := env.regs.inserted[0]
	assert.Equal(t, "Budi Santoso", reg.Name)
	assert.Equal(t, "budi@example.com", reg.Email)
	assert.Equal(t, "general", reg.Program)
	assert.Equal(t, "127.0.0.1", reg.IPAddress)
}

func TestServer_RegisterWithoutSessionFailsClosed(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{}
	form.Set("email", "budi@example.com")
	result := env.postForm(t, "/api/register", form)

	assert.Equal(t, false, result["success"])
	assert.Equal(t, security.MsgBadCSRF, result["message"])
	assert.Empty(t, env.regs.inserted)
}

func TestServer_HoneypotGetsFakeSuccess(t *testing.T) {
	env := newTestEnv(t, nil)

	form := env.freshForm(t)
	form.Set(security.FieldStaticTrap, "http://spam.example")

	result := env.postForm(t, "/api/register", form)
	assert.Equal(t, true, result["success"], "the bot must not learn it was caught")
	assert.Equal(t, security.MsgSuccess, result["message"])
	assert.Empty(t, env.regs.inserted, "nothing is stored for a trapped submission")
}

func TestServer_DuplicateEmailAcknowledgedWithoutInsert(t *testing.T) {
	env := newTestEnv(t, nil)
	env.regs.recent = true

	result := env.postForm(t, "/api/register", env.freshForm(t))
	assert.Equal(t, true, result["success"])
	assert.NotEqual(t, security.MsgSuccess, result["message"])
	assert.Empty(t, env.regs.inserted)
}

func TestServer_FieldValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"missing email", func(f url.Values) { f.Del("email") }},
		{"malformed email", func(f url.Values) { f.Set("email", "not-an-email") }},
		{"name too short", func(f url.Values) { f.Set("name", "B") }},
		{"foreign phone", func(f url.Values) { f.Set("phone", "+14155552671") }},
		{"message too short", func(f url.Values) { f.Set("message", "halo") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := env.freshForm(t)
			tt.mutate(form)

			result := env.postForm(t, "/api/register", form)
			assert.Equal(t, false, result["success"])
			assert.NotEmpty(t, result["message"])
		})
	}
	assert.Empty(t, env.regs.inserted)
}

func TestServer_MarkupIsNeutralizedBeforeStorage(t *testing.T) {
	env := newTestEnv(t, nil)

	form := env.freshForm(t)
	form.Set("message", "<script>alert(1)</script>Saya ingin mendaftar.")

	result := env.postForm(t, "/api/register", form)
	require.Equal(t, true, result["success"])

	require.Len(t, env.regs.inserted, 1)
	assert.Equal(t, "Saya ingin mendaftar.", env.regs.inserted[0].Message)
}

func TestServer_InjectionAttemptRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	form := env.freshForm(t)
	form.Set("message", "'; DROP TABLE registrations; --")

	result := env.postForm(t, "/api/register", form)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, security.MsgInvalidInput, result["message"])
	assert.Empty(t, env.regs.inserted)
}

func TestServer_CaptchaFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	challenge, _ := env.getJSON(t, "/api/security/captcha")
	question := challenge["question"].(string)
	require.NotEmpty(t, question)

	form := env.freshForm(t)
	form.Set(security.FieldCaptcha, solveQuestion(t, question))

	result := env.postForm(t, "/api/register", form)
	assert.Equal(t, true, result["success"])
	require.Len(t, env.regs.inserted, 1)
}

func TestServer_CaptchaWrongAnswerRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	challenge, _ := env.getJSON(t, "/api/security/captcha")
	require.NotEmpty(t, challenge["question"])

	form := env.freshForm(t)
	form.Set(security.FieldCaptcha, "999")

	result := env.postForm(t, "/api/register", form)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, security.MsgBadCaptcha, result["message"])

	// The challenge was consumed; even the right answer is now stale.
	question := challenge["question"].(string)
	form = env.freshForm(t)
	form.Set(security.FieldCaptcha, solveQuestion(t, question))
	result = env.postForm(t, "/api/register", form)
	assert.Equal(t, false, result["success"])
}

func TestServer_SubmissionRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Guard.RateLimitMax = 3
	})

	form := url.Values{}
	for i := 0; i < 3; i++ {
		result := env.postForm(t, "/api/register", form)
		require.Equal(t, security.MsgBadCSRF, result["message"], "request %d", i)
	}

	result := env.postForm(t, "/api/register", form)
	assert.Equal(t, security.MsgRateLimited, result["message"])
}

func TestServer_FloodLimitAnswers429(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.FloodRPS = 1
		cfg.Server.FloodBurst = 2
	})

	for i := 0; i < 2; i++ {
		resp, err := env.client.Get(env.ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := env.client.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, nil)

	status, resp := env.getJSON(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", status["status"])
}

func TestServer_CORSHeadersWhenConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigin = "https://example.com"
	})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/register", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), security.HeaderCSRF)
}
