package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockBackend is a configurable fake of the application backend. It enforces
// bearer tokens on everything outside /public/, implements token refresh and applies each idempotency key at
// most once, answering duplicates with a no-op 2xx.
type MockBackend struct {
	Server *httptest.Server

	mu            sync.Mutex
	accessToken   string
	refreshToken  string
	issued        int
	refreshStatus int
	refreshDelay  time.Duration
	refreshCalls  int
	delay         time.Duration
	scripted      map[string][]int
	received      map[string]int
	applied       map[string]int
	seenKeys      map[string]int
	keyLog        []string
	lastBody      map[string]string
}

// SetupMockBackend starts a backend that accepts "access-0" as the access
// token and "refresh-0" as the refresh token.
func SetupMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mock := &MockBackend{
		accessToken:   "access-0",
		refreshToken:  "refresh-0",
		refreshStatus: http.StatusOK,
		scripted:      map[string][]int{},
		received:      map[string]int{},
		applied:       map[string]int{},
		seenKeys:      map[string]int{},
		lastBody:      map[string]string{},
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /auth/refresh", mock.handleRefresh)
	router.HandleFunc("/", mock.handleResource)

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// Close shuts down the mock server.
func (m *MockBackend) Close() {
	m.Server.Close()
}

func (m *MockBackend) URL() string {
	return m.Server.URL
}

// Tokens returns the currently valid access and refresh tokens.
func (m *MockBackend) Tokens() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken, m.refreshToken
}

// ExpireAccessToken rotates the valid access token so that the token held by
// clients is rejected with 401 until they refresh.
func (m *MockBackend) ExpireAccessToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = fmt.Sprintf("revoked-%d", m.issued)
}

// SetRefreshStatus makes the refresh endpoint answer with status.
func (m *MockBackend) SetRefreshStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshStatus = status
}

// SetRefreshDelay holds refresh responses so concurrent callers overlap.
func (m *MockBackend) SetRefreshDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshDelay = d
}

// SetDelay holds resource responses so concurrent callers overlap.
func (m *MockBackend) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Script queues statuses to answer for "METHOD /path" before normal handling
// resumes.
func (m *MockBackend) Script(route string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[route] = append(m.scripted[route], statuses...)
}

func (m *MockBackend) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// Received counts the requests for "METHOD /path", including rejected ones.
func (m *MockBackend) Received(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[route]
}

// Applied counts the mutations for "METHOD /path" that took effect.
func (m *MockBackend) Applied(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[route]
}

// IdempotencyKeys lists the keys of applied mutations in arrival order.
func (m *MockBackend) IdempotencyKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keyLog...)
}

// LastBody returns the body of the last applied request for "METHOD /path".
func (m *MockBackend) LastBody(route string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody[route]
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (m *MockBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.refreshCalls++
	delay := m.refreshDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteStatus(w, http.StatusBadRequest, "invalid refresh request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshStatus != http.StatusOK {
		WriteStatus(w, m.refreshStatus, "refresh rejected")
		return
	}
	if req.RefreshToken != m.refreshToken {
		WriteStatus(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}

	m.issued++
	m.accessToken = fmt.Sprintf("access-%d", m.issued)
	m.refreshToken = fmt.Sprintf("refresh-%d", m.issued)

	WriteJSON(w, refreshResponse{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		ExpiresIn:    3600,
	})
}

func (m *MockBackend) handleResource(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.received[route]++
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+m.accessToken && !strings.HasPrefix(r.URL.Path, "/public/") {
		WriteStatus(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	if statuses := m.scripted[route]; len(statuses) > 0 {
		status := statuses[0]
		m.scripted[route] = statuses[1:]
		if status >= 300 {
			writeFailure(w, status)
			return
		}
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		WriteJSON(w, map[string]any{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"served": m.received[route],
		})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if _, seen := m.seenKeys[key]; seen {
			// already applied: acknowledge without effect
			m.seenKeys[key]++
			WriteJSON(w, map[string]any{"duplicate": true})
			return
		}
		m.seenKeys[key] = 1
		m.keyLog = append(m.keyLog, key)
	}

	m.applied[route]++
	m.lastBody[route] = string(body)

	WriteJSON(w, map[string]any{"applied": m.applied[route]})
}

func writeFailure(w http.ResponseWriter, status int) {
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "validation failed",
			"errors":  map[string][]string{"quantity": {"exceeds available stock"}},
		})
		return
	}
	WriteStatus(w, status, http.StatusText(status))
}

// WriteStatus writes an error body in the backend's format.
func WriteStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
