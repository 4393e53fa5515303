// Package executor implements the Executor Client (spec §4.C): an HTTP
// client addressing the in-container executor. Retries only on connection
// failure and 5xx, with exponential backoff; 4xx is a terminal validation
// error. Grounded on the retry/backoff shape of
// api/internal/services/command_dispatcher.go, adapted from async
// queue-dispatch to a synchronous HTTP call with bounded retry.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
)

// SubmitRequest is the body posted to the executor's /execute endpoint
// (spec §6).
type SubmitRequest struct {
	ExecutionID string            `json:"execution_id"`
	SessionID   string            `json:"session_id"`
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Event       json.RawMessage   `json:"event"`
	Timeout     int               `json:"timeout"`
	EnvVars     map[string]string `json:"env_vars"`
}

// SubmitResponse is the executor's 200 acknowledgement.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// HealthResponse is the executor's /health payload.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ActiveExecutions int    `json:"active_executions"`
}

// Client is the Executor HTTP client. One instance is shared across
// sessions; callers pass the target base URL per call since each session's
// executor lives at a different container IP:port.
type Client struct {
	http *http.Client

	maxRetries int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Config tunes retry/timeout behavior (defaults match spec §4.C/§5: 30s
// total per call, 5s connect, base 0.5s backoff, 3 tries max). MaxRetries
// is the total number of tries, the first one included.
type Config struct {
	TotalTimeout time.Duration
	ConnectTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:   30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxRetries:     3,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     3 * time.Second,
	}
}

// New builds an executor Client.
func New(cfg Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		http: &http.Client{
			Timeout: cfg.TotalTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Submit posts a code-execution request to the executor at url. Retries
// only on connection failure and 5xx; a 4xx is a terminal ValidationError.
func (c *Client) Submit(ctx context.Context, url string, req SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Internal("marshal submit request", err)
	}

	tries := c.maxRetries
	if tries < 1 {
		tries = 1
	}
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, apperr.TimeoutErr("submit execution")
			}
		}

		resp, err := c.post(ctx, url+"/execute", body)
		if err != nil {
			lastErr = err
			if isConnectionError(err) {
				logger.Executor().Warn().Err(err).Int("attempt", attempt).Msg("executor connection failed, retrying")
				continue
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = apperr.ExecutorUnreachable(fmt.Errorf("executor returned %d", resp.StatusCode))
			logger.Executor().Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("executor 5xx, retrying")
			continue
		}
		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(resp.Body)
			return nil, apperr.ValidationError(string(detail))
		}

		var out SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode executor response", err)
		}
		return &out, nil
	}
	return nil, lastErr
}

// Health queries the executor's /health endpoint, with the 5s deadline of
// spec §5.
func (c *Client) Health(ctx context.Context, url string) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return nil, apperr.Internal("build health request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.ExecutorUnreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.ExecutorUnreachable(fmt.Errorf("health returned %d", resp.StatusCode))
	}
	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode health response", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.TimeoutErr("submit execution")
		}
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "connect to executor", err)
	}
	return resp, nil
}

// backoff computes exponential backoff capped at backoffMax (spec §4.C:
// base 0.5s, max 3 tries).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > c.backoffMax {
			return c.backoffMax
		}
	}
	return d
}

func isConnectionError(err error) bool {
	ae, ok := apperr.As(err)
	return ok && ae.Kind == apperr.KindUpstreamUnavailable
}
