package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

var (
	// ErrNotConnected is returned when sending without an acknowledged connection
	ErrNotConnected = errors.New("transport: not connected")

	// ErrDisposed is returned by every operation after Dispose
	ErrDisposed = errors.New("transport: disposed")

	// ErrEmptyMessage is returned when sending a message without content
	ErrEmptyMessage = errors.New("transport: empty message")
)

// CloseError describes how the server closed a connection
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// Terminal reports whether reconnecting after this closure is futile
func (e *CloseError) Terminal() bool {
	return protocol.IsTerminalCloseCode(e.Code)
}

// HandshakeError is returned when the server rejects the upgrade request
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.StatusCode)
}

// Terminal reports whether the rejection will repeat on retry
func (e *HandshakeError) Terminal() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// IsTerminal reports whether err ends the connection lifecycle without retry
func IsTerminal(err error) bool {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Terminal()
	}
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.Terminal()
	}
	return false
}
