package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/handler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const e2eSecret = "e2e-secret"

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() *config.Config {
	c := config.Default()
	c.Listen = "127.0.0.1:0"
	c.Auth.JWTSecret = e2eSecret
	c.AccessLog.Enabled = false
	c.Admin = config.Admin{}
	c.Timeouts.Upstream = 2 * time.Second
	return c
}

// waitForPort dials addr until it accepts or the timeout passes.
func waitForPort(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("port %s not ready after %s", addr, timeout)
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServe_EndToEnd(t *testing.T) {
	var seen atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.Path + " " + r.Header.Get("X-User-ID"))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "pong")
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(testContext(t))
	a, err := New(ctx, testConfig(), quietLog())
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	waitForPort(t, ln.Addr().String(), 2*time.Second)

	users := `{"service_name":"user-service","base_url":"` + backend.URL + `","paths":[
		{"path":"/ping","method":"GET"},
		{"path":"/users/me","method":"GET","protected":true}]}`
	resp := post(t, base+"/api/v1/microservice/", users)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, base+"/api/v1/microservice/", users)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, base+"/ping")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(b))
	assert.Equal(t, "/api/v1/ping ", seen.Load())

	resp = get(t, base+"/users/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.GenerateToken(e2eSecret, "", "0xabc", time.Minute)
	require.NoError(t, err)
	resp = get(t, base+"/users/me", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/v1/users/me 0xabc", seen.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHandler_UnreachableBackend(t *testing.T) {
	a, err := New(testContext(t), testConfig(), quietLog())
	require.NoError(t, err)
	defer a.Close()
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"service_name":"user-service","base_url":"http://` + deadAddr(t) + `","paths":[
		{"path":"/users/me","method":"GET","protected":true}]}`
	resp := post(t, srv.URL+"/api/v1/microservice/", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tok, err := auth.GenerateToken(e2eSecret, "", "0xabc", time.Minute)
	require.NoError(t, err)
	resp = get(t, srv.URL+"/users/me", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var env handler.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "service user-service is unavailable", env.Message)
}

func TestNew_SQLiteSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.Store{Driver: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "gateway.db")}

	first, err := New(testContext(t), cfg, quietLog())
	require.NoError(t, err)
	srv := httptest.NewServer(first.Handler())
	resp := post(t, srv.URL+"/api/v1/microservice/",
		`{"service_name":"orders","base_url":"http://orders:8000","paths":[{"path":"/orders","method":"POST"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	srv.Close()
	require.NoError(t, first.Close())

	second, err := New(testContext(t), cfg, quietLog())
	require.NoError(t, err)
	defer second.Close()
	routes := second.Plane().Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/orders/", routes[0].Key.Path)
	assert.Equal(t, "orders", routes[0].ServiceName)
}

func TestNew_NATSCountersNeedURL(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Backend = config.CountersNATS
	_, err := New(testContext(t), cfg, quietLog())
	assert.ErrorContains(t, err, "nats.url")
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(testContext(t), config.Store{Driver: "redis"})
	assert.Error(t, err)
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
