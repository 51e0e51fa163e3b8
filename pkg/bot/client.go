// Package bot provides the client for the external messaging bot used to
// announce verification outcomes.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pledgeproof/verifier-cli/internal/resilience"
)

// Transport delivers one message to a recipient. Implementations must
// return a transient error for conditions worth retrying so the queue's
// backoff schedule applies.
type Transport interface {
	Send(ctx context.Context, recipient, text string) error
}

// Option configures the webhook client.
type Option func(*webhookClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *webhookClient) {
		c.http = hc
	}
}

// WithNetwork tags outgoing messages with the target network selector.
func WithNetwork(network string) Option {
	return func(c *webhookClient) {
		c.network = network
	}
}

type webhookClient struct {
	webhookURL string
	apiKey     string
	network    string
	http       *http.Client
}

// NewClient creates a webhook transport for the bot endpoint.
func NewClient(webhookURL, apiKey string, opts ...Option) Transport {
	c := &webhookClient{
		webhookURL: webhookURL,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Network   string `json:"network,omitempty"`
}

// Send posts the message to the bot webhook. Rate-limit and server errors
// come back as transient so the caller retries them.
func (c *webhookClient) Send(ctx context.Context, recipient, text string) error {
	if c.webhookURL == "" {
		return eris.New("bot: webhook url not configured")
	}

	body, err := json.Marshal(sendRequest{
		Recipient: recipient,
		Message:   text,
		Network:   c.network,
	})
	if err != nil {
		return eris.Wrap(err, "bot: marshal send request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "bot: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Transient(eris.Wrap(err, "bot: send"), 0)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.Transient(
			eris.New(fmt.Sprintf("bot: status %d", resp.StatusCode)), resp.StatusCode)
	default:
		return eris.Errorf("bot: status %d", resp.StatusCode)
	}
}
