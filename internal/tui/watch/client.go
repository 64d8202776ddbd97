// Package watch renders a live dashboard of relay channels and audit
// events on top of the admin API.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/store"
)

// Client reads the relay admin API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a client for the relay at baseURL. The token may be a
// JWT or an API key.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// Channels returns the live channel snapshot for the caller's organization.
func (c *Client) Channels(ctx context.Context) ([]relay.ChannelInfo, error) {
	var channels []relay.ChannelInfo
	if err := c.get(ctx, "/api/v1/channels", &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// Events returns the most recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]store.AuditEvent, error) {
	var events []store.AuditEvent
	if err := c.get(ctx, "/api/v1/events?limit="+strconv.Itoa(limit), &events); err != nil {
		return nil, err
	}
	return events, nil
}
