package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

// connection is one connection attempt. It is never reused: a reconnect
// builds a new connection and the old one is discarded with all its timers.
type connection struct {
	gen    uint64
	ws     *websocket.Conn
	logger zerolog.Logger

	writeTimeout time.Duration

	writeMu sync.Mutex

	mu             sync.Mutex
	acked          bool
	abortReason    string
	handshakeTimer *time.Timer

	pong      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(gen uint64, ws *websocket.Conn, writeTimeout time.Duration, logger zerolog.Logger) *connection {
	return &connection{
		gen:          gen,
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		pong:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (c *connection) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *connection) send(out protocol.Outbound) error {
	return c.writeJSON(out)
}

// armHandshake aborts the connection if no acknowledgment arrives within timeout
func (c *connection) armHandshake(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		acked := c.acked
		c.mu.Unlock()
		if !acked {
			c.abort("handshake timeout")
		}
	})
}

// acknowledge records the handshake ack. It returns false if already acknowledged.
func (c *connection) acknowledge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acked {
		return false
	}
	c.acked = true
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	return true
}

func (c *connection) notifyPong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

// heartbeat pings every interval and aborts when a pong does not arrive within timeout
func (c *connection) heartbeat(interval, timeout time.Duration, onTimeout func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		// Forget pongs that answered earlier pings
		select {
		case <-c.pong:
		default:
		}

		if err := c.send(protocol.NewPing()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
			c.abort("heartbeat send failed")
			return
		}

		timer := time.NewTimer(timeout)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-c.pong:
			timer.Stop()
		case <-timer.C:
			onTimeout()
			c.abort("heartbeat timeout")
			return
		}
	}
}

// abort closes the connection locally without a handshake; the read loop then
// reports the closure as abnormal.
func (c *connection) abort(reason string) {
	c.mu.Lock()
	if c.abortReason == "" {
		c.abortReason = reason
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	if reason == "heartbeat timeout" {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseHeartbeatTimeout, reason),
			time.Now().Add(time.Second))
	}
	c.writeMu.Unlock()

	c.ws.Close()
}

func (c *connection) aborted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortReason
}

// closeGracefully sends a close frame with code and releases the socket
func (c *connection) closeGracefully(code int, reason string) {
	c.mu.Lock()
	if c.abortReason == "" {
		c.abortReason = reason
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close frame")
	}

	c.release()
}

// release stops every timer of the attempt and closes the socket. Safe to call repeatedly.
func (c *connection) release() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}
