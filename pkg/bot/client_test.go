package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pledgeproof/verifier-cli/internal/resilience"
)

func TestClient_Send(t *testing.T) {
	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", WithNetwork("base-sepolia"))
	err := c.Send(context.Background(), "0xalice", "Prediction #7: fully verified")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", auth)
	assert.Equal(t, "0xalice", got.Recipient)
	assert.Equal(t, "Prediction #7: fully verified", got.Message)
	assert.Equal(t, "base-sepolia", got.Network)
}

func TestClient_SendWithoutAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	require.NoError(t, c.Send(context.Background(), "0xalice", "hi"))
	assert.Empty(t, auth, "no Authorization header without an api key")
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	err := c.Send(context.Background(), "0xalice", "hi")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err), "503 must surface as retryable")
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	err := c.Send(context.Background(), "0xalice", "hi")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err), "400 must not be retried")
}

func TestClient_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	c := NewClient(srv.URL, "key")
	err := c.Send(context.Background(), "0xalice", "hi")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestClient_MissingWebhookURL(t *testing.T) {
	c := NewClient("", "key")
	err := c.Send(context.Background(), "0xalice", "hi")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err), "misconfiguration is not retryable")
}
