//go:build integration

package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewardly/sync-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemon_HealthCheck(t *testing.T) {
	h := NewDaemonTestHarness(t)

	resp := h.Do(http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_RequestWithoutSession(t *testing.T) {
	h := NewDaemonTestHarness(t)

	resp := h.Do(http.MethodGet, "/session", nil)
	var state sessionResponse
	h.Decode(resp, &state)
	assert.Equal(t, "logged_out", state.State)

	resp, _ = h.Execute(proxyRequest{Method: http.MethodGet, Path: "/products"})

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.Backend.Received("GET /products"))
}

func TestDaemon_AnonymousRequestWithoutSession(t *testing.T) {
	h := NewDaemonTestHarness(t)

	resp, out := h.Execute(proxyRequest{Method: http.MethodGet, Path: "/public/catalogue", Anonymous: true})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, out.Status)
}

func TestDaemon_ReadCachedUntilInvalidated(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()

	read := proxyRequest{
		Method: http.MethodGet,
		Path:   "/products",
		Query:  map[string][]string{"page": {"1"}},
		Tags:   []string{"products"},
	}

	_, first := h.Execute(read)
	assert.False(t, first.FromCache)

	_, second := h.Execute(read)
	assert.True(t, second.FromCache)
	assert.JSONEq(t, string(first.Body), string(second.Body))

	resp, _ := h.Execute(proxyRequest{
		Method: http.MethodPost,
		Path:   "/products",
		Body:   json.RawMessage(`{"name":"lamp"}`),
		Tags:   []string{"products"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, third := h.Execute(read)
	assert.False(t, third.FromCache)
	assert.Equal(t, 2, h.Backend.Received("GET /products"))
}

func TestDaemon_OfflineMutationDrainsOnReconnect(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()

	h.SetConnectivity("offline")

	resp, out := h.Execute(proxyRequest{
		Method:         http.MethodPost,
		Path:           "/cart/add",
		Body:           json.RawMessage(`{"productId":"p1"}`),
		IdempotencyKey: "add-p1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, out.Queued)

	entries := h.Queue()
	require.Len(t, entries, 1)
	assert.Equal(t, out.QueueID, entries[0].ID)
	assert.Equal(t, 0, h.Backend.Received("POST /cart/add"))

	h.SetConnectivity("online")

	require.Eventually(t, func() bool {
		return h.Backend.Applied("POST /cart/add") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"add-p1"}, h.Backend.IdempotencyKeys())
	assert.JSONEq(t, `{"productId":"p1"}`, h.Backend.LastBody("POST /cart/add"))
	assert.Eventually(t, func() bool { return len(h.Queue()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestDaemon_ClientErrorCarriesFieldErrors(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()
	h.Backend.Script("POST /cart/update", http.StatusUnprocessableEntity)

	resp, _ := h.Execute(proxyRequest{
		Method: http.MethodPost,
		Path:   "/cart/update",
		Body:   json.RawMessage(`{"line":"c1","quantity":3}`),
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var out fieldErrorResponse
	h.Decode(resp, &out)
	assert.Equal(t, "client", out.Kind)
	assert.Equal(t, []string{"exceeds available stock"}, out.Fields["quantity"])
	assert.Empty(t, h.Queue())
}

func TestDaemon_DrainEndpoint(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()
	h.SetConnectivity("offline")

	for _, key := range []string{"add-p1", "add-p2"} {
		resp, _ := h.Execute(proxyRequest{
			Method:         http.MethodPost,
			Path:           "/cart/add",
			Body:           json.RawMessage(`{"productId":"` + key + `"}`),
			IdempotencyKey: key,
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	h.Backend.Script("POST /cart/add", http.StatusOK, http.StatusConflict)

	resp := h.Do(http.MethodPost, "/queue/drain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report drainResponse
	h.Decode(resp, &report)

	require.Len(t, report.Succeeded, 1)
	assert.Equal(t, "add-p1", report.Succeeded[0].IdempotencyKey)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "add-p2", report.Failed[0].Entry.IdempotencyKey)
	assert.Equal(t, 0, report.Remaining)
}

func TestDaemon_DeleteQueueEntry(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()
	h.SetConnectivity("offline")

	_, out := h.Execute(proxyRequest{
		Method: http.MethodPost,
		Path:   "/cart/add",
		Body:   json.RawMessage(`{"productId":"p1"}`),
	})
	require.True(t, out.Queued)

	resp := h.Do(http.MethodDelete, "/queue/"+out.QueueID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.Queue())

	resp = h.Do(http.MethodDelete, "/queue/"+out.QueueID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDaemon_LogoutKeepsQueue(t *testing.T) {
	h := NewDaemonTestHarness(t)
	h.Login()
	h.SetConnectivity("offline")

	_, out := h.Execute(proxyRequest{
		Method: http.MethodPost,
		Path:   "/cart/add",
		Body:   json.RawMessage(`{"productId":"p1"}`),
	})
	require.True(t, out.Queued)

	resp := h.Do(http.MethodDelete, "/session", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Len(t, h.Queue(), 1)
}

func TestDaemon_PolicyFileTagsReads(t *testing.T) {
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
defaults:
  ttl: 1m
resources:
  - prefix: /products
    tags: [products]
`), 0o600))

	h := NewDaemonTestHarness(t, WithPolicyFile(policyPath))
	h.Login()

	read := proxyRequest{Method: http.MethodGet, Path: "/products/p1"}
	h.Execute(read)

	h.Execute(proxyRequest{
		Method: http.MethodPut,
		Path:   "/products/p1",
		Body:   json.RawMessage(`{"name":"lamp"}`),
	})

	_, out := h.Execute(read)
	assert.False(t, out.FromCache, "the policy tags both requests so the update invalidates the read")
	assert.Equal(t, 2, h.Backend.Received("GET /products/p1"))
}

func TestDaemon_QueueSurvivesRestart(t *testing.T) {
	testhelpers.SetupLogger(t)
	backend := testhelpers.SetupMockBackend(t)
	dbPath := filepath.Join(t.TempDir(), "sync-bridge.db")

	first := newDaemonTestHarness(t, backend, WithSQLiteStorage(dbPath))
	first.Login()
	first.SetConnectivity("offline")

	_, out := first.Execute(proxyRequest{
		Method:         http.MethodPost,
		Path:           "/cart/add",
		Body:           json.RawMessage(`{"productId":"p1"}`),
		IdempotencyKey: "add-p1",
	})
	require.True(t, out.Queued)
	first.Server.Close()

	second := newDaemonTestHarness(t, backend, WithSQLiteStorage(dbPath))

	require.Eventually(t, func() bool {
		return backend.Applied("POST /cart/add") == 1
	}, 5*time.Second, 10*time.Millisecond, "the restored session drains the restored queue on start")
	assert.Equal(t, []string{"add-p1"}, backend.IdempotencyKeys())
	assert.Eventually(t, func() bool { return len(second.Queue()) == 0 }, time.Second, 10*time.Millisecond)
}
