package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumotech/student-tracker/internal/config"
)

// fakeWakaTime serves the token endpoint and the summaries API. Every
// summaries request gets one day back: the first day of the requested range.
type fakeWakaTime struct {
	*httptest.Server

	mu      sync.Mutex
	served  []string
	bearers []string
	grants  []string
}

func newFakeWakaTime(t *testing.T) *fakeWakaTime {
	t.Helper()
	f := &fakeWakaTime{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		f.mu.Unlock()

		if r.PostForm.Get("code") == "bad-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"waka-access","refresh_token":"waka-refresh","token_type":"bearer","expires_in":3600}`)
	})

	mux.HandleFunc("GET /api/v1/users/current/summaries", func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		f.mu.Lock()
		f.served = append(f.served, start)
		f.bearers = append(f.bearers, r.Header.Get("Authorization"))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":[{
			"grand_total":{"total_seconds":5400},
			"range":{"date":%q,"timezone":"UTC"},
			"languages":[{"name":"Go","total_seconds":5400}],
			"projects":[{"name":"tracker","total_seconds":5400}],
			"editors":[],
			"operating_systems":[]
		}]}`, start)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func testConfig(t *testing.T, waka *fakeWakaTime) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Port:        0,
			FrontendURL: "http://frontend.test/",
			CORSOrigins: []string{"http://frontend.test"},
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "tracker.db"),
		},
		Auth: config.AuthConfig{
			JWTSecret:  "integration-test-secret-value",
			SessionTTL: time.Hour,
			StateTTL:   10 * time.Minute,
			BcryptCost: 4,
		},
		Vault: config.VaultConfig{
			Key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		},
		WakaTime: config.WakaTimeConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://api.test/api/wakatime/callback",
			Scopes:       []string{"read_logged_time"},
			AuthURL:      waka.URL + "/oauth/authorize",
			TokenURL:     waka.URL + "/oauth/token",
			APIBaseURL:   waka.URL + "/api/v1",
			HTTPTimeout:  5 * time.Second,
			RetryDelay:   10 * time.Millisecond,
		},
		Sync: config.SyncConfig{
			Enabled:      false,
			LookbackDays: 3,
			Concurrency:  2,
			PassTimeout:  time.Minute,
			UserTimeout:  10 * time.Second,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeWakaTime) {
	t.Helper()
	waka := newFakeWakaTime(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(context.Background(), testConfig(t, waka), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, waka
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c *client) do(method, target, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.RemoteAddr = "192.0.2.10:4000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func signupAndLogin(t *testing.T, c *client, email string) string {
	t.Helper()
	rec := c.do(http.MethodPost, "/api/auth/signup",
		fmt.Sprintf(`{"email":%q,"name":"Ada","password":"correct horse battery"}`, email))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/api/auth/login",
		fmt.Sprintf(`{"email":%q,"password":"correct horse battery"}`, email))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	login := decode[struct {
		User  struct{ ID string } `json:"user"`
		Token string              `json:"token"`
	}](t, rec)
	require.NotEmpty(t, login.Token)
	return login.Token
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)
	c := &client{t: t, h: s.Handler()}

	rec := c.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ProtectedRoutesRequireSession(t *testing.T) {
	s, _ := newTestServer(t)
	c := &client{t: t, h: s.Handler()}

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/me"},
		{http.MethodGet, "/api/wakatime/authorize"},
		{http.MethodPost, "/api/wakatime/sync"},
		{http.MethodGet, "/api/wakatime/summaries"},
		{http.MethodDelete, "/api/wakatime/connection"},
		{http.MethodPost, "/api/admin/sync"},
	} {
		rec := c.do(route.method, route.path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestServer_ConnectSyncAndRead(t *testing.T) {
	s, waka := newTestServer(t)
	c := &client{t: t, h: s.Handler()}
	c.token = signupAndLogin(t, c, "ada@example.com")

	me := decode[map[string]any](t, c.do(http.MethodGet, "/api/me", ""))
	assert.Equal(t, "disconnected", me["wakatimeStatus"])

	// Sync before connecting asks the user to connect first.
	rec := c.do(http.MethodPost, "/api/wakatime/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// 1. Authorize redirects to WakaTime with a signed state.
	rec = c.do(http.MethodGet, "/api/wakatime/authorize", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	consent, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client-id", consent.Query().Get("client_id"))
	state := consent.Query().Get("state")
	require.NotEmpty(t, state)

	// 2. WakaTime calls back. No session: the state identifies the user.
	anon := &client{t: t, h: s.Handler()}
	rec = anon.do(http.MethodGet, "/api/wakatime/callback?code=good-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "http://frontend.test/dashboard?wakatime=connected", rec.Header().Get("Location"))

	// The state is single use.
	rec = anon.do(http.MethodGet, "/api/wakatime/callback?code=good-code&state="+url.QueryEscape(state), "")
	assert.Contains(t, rec.Header().Get("Location"), "reason=invalid_state")

	me = decode[map[string]any](t, c.do(http.MethodGet, "/api/me", ""))
	assert.Equal(t, "connected", me["wakatimeStatus"])

	// 3. On-demand sync writes one row per reported day.
	rec = c.do(http.MethodPost, "/api/wakatime/sync", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	synced := decode[struct{ Days int }](t, rec)
	assert.Equal(t, 1, synced.Days)

	waka.mu.Lock()
	require.Len(t, waka.served, 1)
	day := waka.served[0]
	assert.Equal(t, "Bearer waka-access", waka.bearers[0])
	assert.Equal(t, []string{"authorization_code"}, waka.grants)
	waka.mu.Unlock()

	// 4. The stored row reads back.
	rec = c.do(http.MethodGet, "/api/wakatime/summaries?start="+day+"&end="+day, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[struct {
		Summaries []struct {
			Date         string           `json:"date"`
			TotalSeconds int64            `json:"totalSeconds"`
			Languages    map[string]int64 `json:"languages"`
			CachedAt     time.Time        `json:"cachedAt"`
		} `json:"summaries"`
	}](t, rec)
	require.Len(t, got.Summaries, 1)
	assert.Equal(t, day, got.Summaries[0].Date)
	assert.EqualValues(t, 5400, got.Summaries[0].TotalSeconds)
	assert.Equal(t, map[string]int64{"Go": 5400}, got.Summaries[0].Languages)
	assert.False(t, got.Summaries[0].CachedAt.IsZero())

	// 5. Disconnect forgets the tokens but keeps the history.
	rec = c.do(http.MethodDelete, "/api/wakatime/connection", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	me = decode[map[string]any](t, c.do(http.MethodGet, "/api/me", ""))
	assert.Equal(t, "disconnected", me["wakatimeStatus"])

	rec = c.do(http.MethodGet, "/api/wakatime/summaries?start="+day+"&end="+day, "")
	assert.Len(t, decode[struct{ Summaries []any }](t, rec).Summaries, 1)
}

func TestServer_CallbackExchangeFailure(t *testing.T) {
	s, _ := newTestServer(t)
	c := &client{t: t, h: s.Handler()}
	c.token = signupAndLogin(t, c, "grace@example.com")

	rec := c.do(http.MethodGet, "/api/wakatime/authorize", "")
	consent, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = c.do(http.MethodGet, "/api/wakatime/callback?code=bad-code&state="+url.QueryEscape(consent.Query().Get("state")), "")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "http://frontend.test/dashboard?reason=token_exchange_failed&wakatime=error", rec.Header().Get("Location"))

	me := decode[map[string]any](t, c.do(http.MethodGet, "/api/me", ""))
	assert.Equal(t, "disconnected", me["wakatimeStatus"])
}

func TestServer_AdminRoutesRequireAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	c := &client{t: t, h: s.Handler()}
	c.token = signupAndLogin(t, c, "student@example.com")

	rec := c.do(http.MethodPost, "/api/admin/sync", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://frontend.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://frontend.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
