package protocol

// WebSocket close codes used by the chat endpoint
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseAbnormal        = 1006

	// Application codes sent by the server before accepting the session
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
	CloseNotFound     = 4004

	// Sent by the client when it abandons a connection that stopped answering heartbeats
	CloseHeartbeatTimeout = 4008
)

// IsTerminalCloseCode reports whether retrying after this close code is futile
func IsTerminalCloseCode(code int) bool {
	switch code {
	case ClosePolicyViolation, CloseUnauthorized, CloseForbidden, CloseNotFound:
		return true
	}
	return false
}
