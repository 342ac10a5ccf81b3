package github_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/approval-gate/internal/domain"
)

// Client checks that a triggering commit exists before an execution is
// allowed to ask for approval.
type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
}

func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
	}
}

type commitDTO struct {
	SHA string `json:"sha"`
}

func (c *Client) VerifyCommit(ctx context.Context, t domain.Trigger) error {
	op := func() error {
		commitURL := fmt.Sprintf("%s/repos/%s/%s/commits/%s",
			c.baseUrl, url.PathEscape(t.Owner), url.PathEscape(t.Repo), url.PathEscape(t.Commit))

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, commitURL, nil)
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

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
					return fmt.Errorf("retry after due to 429")
				}
			}

			return fmt.Errorf("github 429")
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
			return backoff.Permanent(&domain.ValidationError{
				Field:  "commit",
				Reason: fmt.Sprintf("%s not found in %s/%s", t.Commit, t.Owner, t.Repo),
			})
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("github %s", resp.Status)
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("github %s", resp.Status))
		}

		var d commitDTO
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return err
		}

		if !strings.HasPrefix(d.SHA, t.Commit) {
			return backoff.Permanent(&domain.ValidationError{
				Field:  "commit",
				Reason: fmt.Sprintf("github resolved %s to %s", t.Commit, d.SHA),
			})
		}

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
