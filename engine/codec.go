package engine

import (
	"encoding/json"
	"fmt"
)

// The wire grammar is `<digit>[<payload>]` for text frames; binary frames
// carry the raw type byte instead of its ASCII digit. ping/pong may carry an
// opaque payload echoed back in the reply, open carries the handshake
// Parameters, and message payloads pass through verbatim to the layer above.

// EncodeFrame renders a Packet into a single wire frame.
func EncodeFrame(p *Packet) []byte {
	b := make([]byte, 1, 1+len(p.Data))
	b[0] = byte(p.Type)
	if p.MsgType == MessageTypeString {
		b[0] += '0'
	}
	return append(b, p.Data...)
}

// DecodeFrame parses a single wire frame into a Packet. It fails with
// ErrInvalidPacket if the type prefix is not one of the seven known kinds.
func DecodeFrame(msgType MessageType, frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrInvalidPacket
	}
	t := frame[0]
	if msgType == MessageTypeString {
		t -= '0'
	}
	if PacketType(t) > PacketTypeNoop {
		return nil, fmt.Errorf("%w: type prefix %q", ErrInvalidPacket, frame[0])
	}
	p := &Packet{MsgType: msgType, Type: PacketType(t)}
	if len(frame) > 1 {
		p.Data = frame[1:]
	}
	return p, nil
}

// DecodeParameters parses and validates an open-packet payload. The session
// id must be present; ping interval and timeout may be absent, in which case
// client-side overrides apply, but negative values fail the handshake.
func DecodeParameters(data []byte) (*Parameters, error) {
	var param Parameters
	if err := json.Unmarshal(data, &param); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if param.SID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrHandshake)
	}
	if param.PingInterval < 0 {
		return nil, fmt.Errorf("%w: pingInterval %d", ErrHandshake, param.PingInterval)
	}
	if param.PingTimeout < 0 {
		return nil, fmt.Errorf("%w: pingTimeout %d", ErrHandshake, param.PingTimeout)
	}
	return &param, nil
}

// EncodeParameters renders Parameters as an open-packet payload.
func EncodeParameters(param *Parameters) ([]byte, error) {
	return json.Marshal(param)
}
