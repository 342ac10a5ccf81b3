package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/approval-gate/internal/infrastructure/config"
)

type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

// newAPIClient talks to a running gate. Flags win over the config file.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	base := serverURL
	if base == "" {
		addr := cfg.Server.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		base = "http://" + addr
	}
	token := apiToken
	if token == "" {
		token = cfg.Server.APIToken
	}

	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Msg) }

// do sends one API call. Only GETs are retried: a POST that timed out may
// already have started an execution or cancelled one.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	retryable := method == http.MethodGet

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if !retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			if !retryable {
				return backoff.Permanent(err)
			}
			return err
		}

		if resp.StatusCode >= 300 {
			var eb struct {
				Error string `json:"error"`
			}
			msg := strings.TrimSpace(string(raw))
			if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
				msg = eb.Error
			}
			ae := &apiError{Status: resp.StatusCode, Msg: msg}
			if resp.StatusCode >= 500 && retryable {
				return ae
			}
			return backoff.Permanent(ae)
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
