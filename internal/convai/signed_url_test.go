package convai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevenLabsClient_SignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convai/conversation/get_signed_url", r.URL.Path)
		assert.Equal(t, "agent-1", r.URL.Query().Get("agent_id"))
		assert.Equal(t, "key-1", r.Header.Get("xi-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signed_url":"wss://ai.example/convai?token=abc"}`))
	}))
	defer srv.Close()

	c := NewElevenLabsClient("key-1", "agent-1", srv.URL)
	got, err := c.SignedURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://ai.example/convai?token=abc", got)
}

func TestElevenLabsClient_UpstreamRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewElevenLabsClient("bad", "agent-1", srv.URL).SignedURL(context.Background())
	require.ErrorIs(t, err, ErrUpstreamAuth)
	assert.Contains(t, err.Error(), "401")
}

func TestElevenLabsClient_EmptyURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewElevenLabsClient("k", "a", srv.URL).SignedURL(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamAuth)
}

func TestElevenLabsClient_MissingCredentials(t *testing.T) {
	_, err := NewElevenLabsClient("", "", "").SignedURL(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamAuth)
}
