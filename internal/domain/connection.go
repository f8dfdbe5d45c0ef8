package domain

// ConnectionState is the lifecycle state of the agent WebSocket.
type ConnectionState int

const (
	ConnectionIdle ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionIdle:
		return "idle"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
