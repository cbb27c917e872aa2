package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpstreamAuth means no signed endpoint could be obtained. It is fatal to
// the session that asked for it.
var ErrUpstreamAuth = errors.New("convai: signed url unavailable")

// SignedURLProvider hands out a short-lived, pre-authenticated websocket URL
// for one conversation with the AI agent.
type SignedURLProvider interface {
	SignedURL(ctx context.Context) (string, error)
}

// SignedURLFunc adapts a function to SignedURLProvider.
type SignedURLFunc func(ctx context.Context) (string, error)

func (f SignedURLFunc) SignedURL(ctx context.Context) (string, error) { return f(ctx) }

const defaultBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient fetches signed conversation URLs for one agent.
type ElevenLabsClient struct {
	APIKey  string
	AgentID string
	BaseURL string
	HTTP    *http.Client
}

func NewElevenLabsClient(apiKey, agentID, baseURL string) *ElevenLabsClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ElevenLabsClient{
		APIKey:  apiKey,
		AgentID: agentID,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

func (c *ElevenLabsClient) SignedURL(ctx context.Context) (string, error) {
	if c.APIKey == "" || c.AgentID == "" {
		return "", fmt.Errorf("%w: api key and agent id are required", ErrUpstreamAuth)
	}

	endpoint := c.BaseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(c.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}
	req.Header.Set("xi-api-key", c.APIKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstreamAuth, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out signedURLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstreamAuth, err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("%w: empty signed_url", ErrUpstreamAuth)
	}
	return out.SignedURL, nil
}
