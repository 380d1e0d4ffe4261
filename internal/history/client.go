package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/auth"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/resilience"
)

const breakerName = "history"

var (
	// ErrNotFound is returned when the conversation does not exist
	ErrNotFound = errors.New("history: conversation not found")

	// ErrForbidden is returned when the caller may not read or write the conversation
	ErrForbidden = errors.New("history: access denied")
)

// APIError is a non-2xx response from the backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("history API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("history API returned %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the same request may succeed later
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrForbidden
	}
	return nil
}

// Config holds configuration for the history client
type Config struct {
	BaseURL             string // http(s) origin of the backend API
	Timeout             time.Duration
	Retry               *resilience.RetryConfig
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Client fetches history snapshots and performs request/response sends.
// Calls pass a circuit breaker wrapping a retry loop.
type Client struct {
	baseURL    string
	tokens     auth.TokenProvider
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a history client
func NewClient(cfg Config, tokens auth.TokenProvider, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	breaker := resilience.NewCircuitBreaker(breakerName, cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("History circuit breaker changed state")
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.Retry,
		breaker:    breaker,
		logger:     logger,
	}
}

// FetchSnapshot returns the persisted conversation with its messages oldest-first
func (c *Client) FetchSnapshot(ctx context.Context, conversationID string) (*protocol.Conversation, error) {
	var conv protocol.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, "fetch_snapshot", http.MethodGet, path, nil, &conv); err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", conversationID, err)
	}

	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].CreatedAt.Before(conv.Messages[j].CreatedAt)
	})

	c.logger.Debug().Str("conversation_id", conversationID).Int("messages", len(conv.Messages)).Msg("Fetched history snapshot")
	return &conv, nil
}

type sendRequest struct {
	Content string `json:"content"`
}

// PostMessage sends a turn over request/response and returns both persisted messages
func (c *Client) PostMessage(ctx context.Context, conversationID, content string) (*protocol.SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is required")
	}

	var result protocol.SendResult
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "post_message", http.MethodPost, path, sendRequest{Content: content}, &result); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &result, nil
}

// Check reports whether the backend is currently considered reachable
func (c *Client) Check(ctx context.Context) error {
	state, requests, failures, rate := c.breaker.GetStats()
	if state == resilience.StateOpen {
		return fmt.Errorf("history backend unavailable, %d of %d requests failed (%.0f%%): %w",
			failures, requests, rate, resilience.ErrCircuitOpen)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	start := time.Now()

	// Client errors are final and say nothing about backend health
	var clientErr error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			err := c.once(ctx, method, path, body, out)
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				clientErr = err
				return nil
			}
			return err
		}, c.retry, isRetryable)
	})
	if err == nil {
		err = clientErr
	}

	observability.RecordHistoryRequest(op, start, err == nil)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.RecordError("circuit_open", "history")
		}
		c.logger.Warn().Err(err).Str("operation", op).Dur("elapsed", time.Since(start)).Msg("History request failed")
	}
	return err
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrTokenExpired) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

func (c *Client) once(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.NewRetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorDetail(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorDetail extracts {"detail": ...} or {"error": ...} bodies, falling back to raw text
func errorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 1024))
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
