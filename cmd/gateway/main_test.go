package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/store/sqlite"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(testContext(t))
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "servicegate dev\n", out)
}

func TestToken(t *testing.T) {
	cfg := writeConfig(t, "auth:\n  jwt_secret: cli-secret\n")
	out, err := run(t, "--config", cfg, "token", "0xabc", "--ttl", "5m")
	require.NoError(t, err)

	a := auth.NewAuthenticator(auth.Options{Secret: "cli-secret"}, nil)
	claims, err := a.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", claims.Subject)
}

func TestToken_NeedsSecret(t *testing.T) {
	cfg := writeConfig(t, "listen: \":0\"\n")
	t.Setenv("JWT_SECRET", "")
	_, err := run(t, "--config", cfg, "token", "0xabc")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestRoutes(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "gw.db")
	st, err := sqlite.Open(testContext(t), dsn)
	require.NoError(t, err)
	_, err = st.Create(testContext(t), model.ServiceDescriptor{
		ServiceName: "user-service",
		BaseURL:     "http://users:8000",
		Paths: []model.RouteSpec{
			{Path: "/users", Method: model.MethodGet, Protected: true,
				RateLimit: &model.RateLimitPolicy{RequestsPerMinute: model.IntPtr(5)}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg := writeConfig(t, "store:\n  driver: sqlite\n  dsn: "+dsn+"\n")
	out, err := run(t, "--config", cfg, "routes")
	require.NoError(t, err)
	assert.Contains(t, out, "METHOD")
	assert.Contains(t, out, "/users/")
	assert.Contains(t, out, "http://users:8000/api/v1")
	assert.Contains(t, out, "5/minute")
}

func TestPublishAuth_NeedsNATS(t *testing.T) {
	cfg := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("NATS_URL", "")
	_, err := run(t, "--config", cfg, "publish-auth", "0xabc")
	assert.ErrorContains(t, err, "nats.url")
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
