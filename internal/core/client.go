// Package core talks to the identity service that runs the actual
// authentication flows.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"authrelay.org/internal/platform"
)

// ErrUnavailable wraps every failure to obtain a client url.
var ErrUnavailable = errors.New("core: identity service unavailable")

const maxResponseBytes = 64 << 10

// ClientURLResponse is the identity service's answer to a start request.
type ClientURLResponse struct {
	ClientURL string `json:"client_url"`
}

// Client signs start requests and posts them to core_url/start.
type Client struct {
	client  *http.Client
	baseURL string
	signer  *platform.Signer
}

// NewClient builds a client. timeout defaults to 10s.
func NewClient(baseURL string, signer *platform.Signer, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("core url is required")
	}
	if signer == nil {
		return nil, errors.New("start request signer is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}, nil
}

// Start asks the identity service to begin an authentication and returns
// the url the guest's browser should open.
func (c *Client) Start(ctx context.Context, req platform.StartRequest) (string, error) {
	signed, err := platform.SignStartRequest(req, c.signer)
	if err != nil {
		return "", fmt.Errorf("sign start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start", strings.NewReader(signed))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/jwt")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out ClientURLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
	}
	if out.ClientURL == "" {
		return "", fmt.Errorf("%w: empty client_url", ErrUnavailable)
	}
	return out.ClientURL, nil
}
