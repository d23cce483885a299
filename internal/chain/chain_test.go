package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, result string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_MaxMintCount(t *testing.T) {
	srv := newTestServer(t, "0x64")
	c, err := New([]string{srv.URL}, Options{ReadTimeout: time.Second, MaxRetries: 1})
	require.NoError(t, err)

	got, err := c.MaxMintCount(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)
}

func TestClient_MintCount(t *testing.T) {
	srv := newTestServer(t, "0x5")
	c, err := New([]string{srv.URL}, Options{ReadTimeout: time.Second, MaxRetries: 1})
	require.NoError(t, err)

	got, err := c.MintCount(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(5), got)
}

func TestClient_DeploymentDeadline(t *testing.T) {
	srv := newTestServer(t, "0x668a1b00")
	c, err := New([]string{srv.URL}, Options{ReadTimeout: time.Second, MaxRetries: 1})
	require.NoError(t, err)

	got, err := c.DeploymentDeadline(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Greater(t, got, int64(0))
}

func TestClient_SelectsOneEndpointAtConstruction(t *testing.T) {
	srv := newTestServer(t, "0x1")
	c, err := New([]string{srv.URL, srv.URL, srv.URL}, Options{})
	require.NoError(t, err)
	require.Equal(t, srv.URL, c.Endpoint())
}

func TestNew_NoEndpoints(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
