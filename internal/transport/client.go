package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is an HTTP client for the provider's send API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Send submits one message to the provider.
func (c *Client) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/send", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection-level failures: nothing reached the provider.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: authentication rejected (HTTP %d)", ErrUnavailable, resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited (HTTP %d)", resp.StatusCode)

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider error (HTTP %d)", resp.StatusCode)

	case resp.StatusCode >= 400:
		// Recipient-level rejection: invalid address, blocked, etc.
		return nil, &PermanentError{Reason: apiError(resp.Body, resp.StatusCode)}
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &receipt, nil
}

func apiError(body io.Reader, status int) string {
	var er errorResponse
	if err := json.NewDecoder(body).Decode(&er); err == nil && er.Error != "" {
		return er.Error
	}
	return fmt.Sprintf("HTTP %d", status)
}
