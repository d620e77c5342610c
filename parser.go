package sio

import (
	"reflect"

	"github.com/zenwire/sio/engine"
)

// Encoder renders a Packet into one text frame plus out-of-band binary
// attachments. Encoders are stateless and safe for concurrent use.
type Encoder interface {
	Encode(p *Packet) (frame []byte, attachments [][]byte, err error)
}

// Decoder assembles inbound frames back into Packets. A packet declaring N
// attachments stays buffered until all N binary frames arrive; only complete
// packets surface on Decoded. One Decoder serves one connection.
type Decoder interface {
	Add(msgType engine.MessageType, data []byte) error
	Decoded() <-chan *Packet
	ParseData(p *Packet) (event string, data []byte, bin [][]byte, err error)
	ArgsUnmarshaler
}

// ArgsUnmarshaler fills typed callback arguments from a decoded payload and
// its binary attachments.
type ArgsUnmarshaler interface {
	UnmarshalArgs(args []reflect.Type, data []byte, buffer [][]byte) ([]reflect.Value, error)
}

// Parser pairs an Encoder with a Decoder constructor for one wire dialect.
type Parser interface {
	Encoder() Encoder
	Decoder() Decoder
}

// DefaultParser is the JSON text-grammar codec.
var DefaultParser Parser = &defaultParser{}

// MsgpackParser is an alternate codec exchanging packets as MessagePack.
var MsgpackParser Parser = &msgpackParser{}
