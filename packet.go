package sio

import "errors"

// PacketType indicates type of an event-layer Packet
type PacketType byte

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// String returns string representation of a PacketType
func (p PacketType) String() string {
	switch p {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeError:
		return "error"
	case PacketTypeBinaryEvent:
		return "binary event"
	case PacketTypeBinaryAck:
		return "binary ack"
	}
	return "invalid"
}

var (
	// ErrMalformedPacket indicates a frame whose header does not parse: an
	// unknown type digit or a broken attachment/namespace/id prefix.
	ErrMalformedPacket = errors.New("sio: malformed packet")
	// ErrMalformedPayload indicates a packet whose payload is not the ordered
	// argument list the packet type requires.
	ErrMalformedPayload = errors.New("sio: malformed payload")
)

// Packet is the event-layer exchange unit: a packet type, a namespace path, an
// optional acknowledgment id and an ordered payload. Binary payload items
// travel out-of-band as attachments; attachments counts how many the packet
// declares and buffer collects them as they arrive.
type Packet struct {
	Type      PacketType
	Namespace string
	Data      interface{}
	ID        *uint64

	attachments int
	buffer      [][]byte
}

// Complete reports whether every declared binary attachment has arrived.
func (p *Packet) Complete() bool {
	return p.attachments == len(p.buffer)
}

// Attachments returns the out-of-band binary buffers collected so far.
func (p *Packet) Attachments() [][]byte { return p.buffer }

func newid(id uint64) *uint64 {
	i := new(uint64)
	*i = id
	return i
}
