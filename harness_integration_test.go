//go:build integration

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rewardly/sync-bridge/internal/config"
	"github.com/rewardly/sync-bridge/internal/server"
	"github.com/rewardly/sync-bridge/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

// DaemonTestHarness runs the daemon's routes over a fully wired core against a
// mock backend.
type DaemonTestHarness struct {
	Backend *testhelpers.MockBackend
	Server  *httptest.Server
	Core    *core

	t *testing.T
}

// DaemonTestHarnessOption customizes the configuration before the core is
// built.
type DaemonTestHarnessOption func(*config.Config)

// WithPolicyFile configures a resource policy file.
func WithPolicyFile(path string) DaemonTestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Client.PolicyFile = path
	}
}

// WithSQLiteStorage persists the core's state at path.
func WithSQLiteStorage(path string) DaemonTestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Storage.Type = "sqlite"
		cfg.Storage.Path = path
	}
}

// NewDaemonTestHarness builds a core and serves its routes. Cleanup is
// handled automatically via t.Cleanup().
func NewDaemonTestHarness(t *testing.T, options ...DaemonTestHarnessOption) *DaemonTestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	backend := testhelpers.SetupMockBackend(t)
	return newDaemonTestHarness(t, backend, options...)
}

func newDaemonTestHarness(t *testing.T, backend *testhelpers.MockBackend, options ...DaemonTestHarnessOption) *DaemonTestHarness {
	t.Helper()

	hooks := &server.ShutdownHooks{}
	t.Cleanup(func() {
		hooks.Execute(t.Context())
	})

	cfg := config.Config{
		Client: config.ClientConfig{
			BaseURL:               backend.URL(),
			RequestTimeoutSeconds: 2,
			RefreshPath:           "/auth/refresh",
		},
		Retry: config.RetryConfig{
			MaxAttempts:           3,
			InitialIntervalMillis: 1,
			MaxIntervalMillis:     5,
		},
		Cache: config.CacheConfig{
			MaxEntries:        100,
			DefaultTTLSeconds: 60,
		},
		Queue: config.QueueConfig{
			MaxAttempts:      5,
			DrainConcurrency: 2,
		},
		Storage: config.StorageConfig{
			Type: "memory",
		},
		Observe: config.ObserveConfig{
			Enabled: false,
		},
	}

	for _, opt := range options {
		opt(&cfg)
	}

	c, err := buildCore(t.Context(), cfg, nil, hooks)
	require.NoError(t, err)

	c.start(t.Context())

	srv := httptest.NewServer(configureServerRoutes(c))
	hooks.Add("daemon", func() error {
		srv.Close()
		return nil
	})

	return &DaemonTestHarness{
		Backend: backend,
		Server:  srv,
		Core:    c,
		t:       t,
	}
}

// Login starts a session with the backend's current tokens.
func (h *DaemonTestHarness) Login() {
	h.t.Helper()

	access, refresh := h.Backend.Tokens()
	resp := h.Do(http.MethodPost, "/session", map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

// Do sends payload, JSON encoded when not nil, to the daemon.
func (h *DaemonTestHarness) Do(method, path string, payload any) *http.Response {
	h.t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(h.t, err)
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(h.t.Context(), method, h.Server.URL+path, body)
	require.NoError(h.t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Server.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// Decode reads the JSON body of resp into v.
func (h *DaemonTestHarness) Decode(resp *http.Response, v any) {
	h.t.Helper()
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(v))
}

// Execute submits a backend request through the daemon.
func (h *DaemonTestHarness) Execute(req proxyRequest) (*http.Response, proxyResponse) {
	h.t.Helper()

	resp := h.Do(http.MethodPost, "/requests", req)

	var out proxyResponse
	if resp.StatusCode < 300 {
		h.Decode(resp, &out)
	}
	return resp, out
}

// SetConnectivity reports the backend reachable or not.
func (h *DaemonTestHarness) SetConnectivity(state string) {
	h.t.Helper()

	resp := h.Do(http.MethodPost, "/connectivity/"+state, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

// Queue lists the queued entries.
func (h *DaemonTestHarness) Queue() []queueEntryResponse {
	h.t.Helper()

	resp := h.Do(http.MethodGet, "/queue", nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)

	var out queueResponse
	h.Decode(resp, &out)
	return out.Entries
}
