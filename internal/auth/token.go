package auth

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

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the identity provider refused to issue a token
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrTokenExpired means the token is already past its expiry
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrInvalidToken means the token failed signature or claim validation
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenProvider returns a short-lived connection token. It is called once per
// connection attempt, so implementations must not hand out a cached token
// they know to be stale.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken serves a fixed token, refusing it once it has expired
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	token := string(s)
	if token == "" {
		return "", ErrUnauthorized
	}
	if err := CheckExpiry(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// CheckExpiry inspects the exp claim of a JWT without verifying its signature.
// Tokens that are not JWTs, or carry no exp, are accepted.
func CheckExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// TokenRequest is the body posted to a token endpoint
type TokenRequest struct {
	Subject string `json:"subject,omitempty"`
}

// TokenResponse is the body returned by a token endpoint
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// HTTPTokenSource fetches a fresh token from an HTTP endpoint on every call
type HTTPTokenSource struct {
	url     string
	subject string
	client  *http.Client
}

// NewHTTPTokenSource creates a token source. A nil client uses a 10s timeout client.
func NewHTTPTokenSource(url, subject string, client *http.Client) *HTTPTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTokenSource{
		url:     url,
		subject: subject,
		client:  client,
	}
}

// Token requests a new token
func (s *HTTPTokenSource) Token(ctx context.Context) (string, error) {
	body, err := json.Marshal(TokenRequest{Subject: s.subject})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	return out.Token, nil
}
