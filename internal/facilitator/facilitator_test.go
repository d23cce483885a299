package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_Verify_Valid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxRetries: 1})
	resp, err := c.Verify(context.Background(), json.RawMessage(`{"sig":"abc"}`), PaymentRequirements{Asset: "usdc"})
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestClient_Verify_SemanticInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, Reason: "signature_invalid"})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxRetries: 1})
	resp, err := c.Verify(context.Background(), json.RawMessage(`{}`), PaymentRequirements{})
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, "signature_invalid", resp.Reason)
}

func TestClient_Verify_TransportFailureBecomesTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxRetries: 1})
	_, err := c.Verify(context.Background(), json.RawMessage(`{}`), PaymentRequirements{})
	require.Error(t, err)
	var fErr *Error
	require.ErrorAs(t, err, &fErr)
	require.Equal(t, "transport_error", fErr.Reason)
}

func TestClient_SettleBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle/batch", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["waitForConfirmation"])

		_ = json.NewEncoder(w).Encode(SettleBatchResponse{
			Success: true,
			Results: []BatchResult{
				{Index: 0, Success: true, Transaction: "0xabc"},
			},
			TotalSubmitted: 1,
			TotalSuccess:   1,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{MaxRetries: 1})
	resp, err := c.SettleBatch(context.Background(), []BatchItem{
		{PaymentPayload: json.RawMessage(`{}`), PaymentRequirements: PaymentRequirements{}},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "0xabc", resp.Results[0].Transaction)
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	require.NoError(t, c.Health(context.Background()))
}

func TestClient_Health_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	err := c.Health(context.Background())
	require.Error(t, err)
}
