package slack_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/approval-gate/internal/domain"
)

const DefaultAPIURL = "https://slack.com/api"

type Client struct {
	apiURL  string
	token   string
	channel string
	hc      *http.Client
}

func New(apiURL, token, channel string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		apiURL:  trimSlash(apiURL),
		token:   token,
		channel: channel,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// Notify posts the approval prompt once. Errors that retrying cannot fix are
// wrapped with backoff.Permanent; everything else is worth another attempt.
func (c *Client) Notify(ctx context.Context, ev domain.NotificationEvent) error {
	if c.token == "" {
		return backoff.Permanent(fmt.Errorf("slack: bot token is not configured"))
	}
	if c.channel == "" {
		return backoff.Permanent(fmt.Errorf("slack: channel is not configured"))
	}
	return c.post(ctx, "chat.postMessage", BuildApprovalMessage(c.channel, ev))
}

func (c *Client) post(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, _ := strconv.Atoi(ra); sec > 0 {
				select {
				case <-time.After(time.Duration(sec) * time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
				return fmt.Errorf("slack: retry after due to 429")
			}
		}
		return fmt.Errorf("slack 429")
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("slack %s", resp.Status)
	}

	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("slack %s", resp.Status))
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		err := fmt.Errorf("slack %s: %s", method, out.Error)
		if permanentAPIError(out.Error) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func permanentAPIError(code string) bool {
	switch code {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired",
		"missing_scope", "channel_not_found", "not_in_channel", "is_archived", "invalid_blocks",
		"invalid_attachments", "msg_too_long":
		return true
	default:
		return false
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
