package engine

// PacketType indicates type of an engine-layer Packet
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeUpgrade
	PacketTypeNoop
)

// String returns string representation of a PacketType
func (p PacketType) String() string {
	switch p {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeUpgrade:
		return "upgrade"
	case PacketTypeNoop:
		return "noop"
	}
	return "invalid"
}

// MessageType indicates how a Packet travels on the wire: as a text frame or
// as a binary frame.
type MessageType byte

const (
	MessageTypeString MessageType = iota
	MessageTypeBinary
)

// String returns string representation of a MessageType
func (m MessageType) String() string {
	switch m {
	case MessageTypeString:
		return "string"
	case MessageTypeBinary:
		return "binary"
	}
	return "invalid"
}

// Packet is one engine-layer frame: a control packet (open/close/ping/pong/
// upgrade/noop) or a message packet carrying an opaque payload for the layer
// above. The engine layer never inspects message payloads.
type Packet struct {
	MsgType MessageType
	Type    PacketType
	Data    []byte
}

// Parameters describes connection attributes sent from server to client upon
// handshaking, inside the payload of the first (open) packet of a session.
type Parameters struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

const (
	queryTransport = "transport"
	queryEIO       = "EIO"

	// Version is the engine protocol version announced on dial
	Version = "3"
)
