package vpn

import "strings"

// ConnectionState is the tunnel state reported by the control process.
type ConnectionState int

const (
	// StateUnknown means the state could not be queried. It is never cached.
	StateUnknown ConnectionState = iota
	// StateDisconnected indicates no active tunnel.
	StateDisconnected
	// StateConnecting indicates the tunnel is being established.
	StateConnecting
	// StateConnected indicates an active, established tunnel.
	StateConnected
)

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ParseState maps the output of "get connectionstate" to a ConnectionState.
// The control process reports a single token per line. Transitional tokens
// such as "Reconnecting" and unrecognized output yield StateUnknown, which
// callers re-poll.
func ParseState(output string) ConnectionState {
	for _, line := range strings.Split(output, "\n") {
		switch strings.TrimSpace(line) {
		case "Connected":
			return StateConnected
		case "Disconnected":
			return StateDisconnected
		case "Connecting":
			return StateConnecting
		}
	}
	return StateUnknown
}
