package sio

// ConnectionState is the lifecycle phase of a Client. Exactly one state is
// active at a time; transitions happen only on the client's run loop.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateUpgrading
	StateClosing
	StateReconnecting
)

// String returns string representation of a ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateUpgrading:
		return "upgrading"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	}
	return "invalid"
}
