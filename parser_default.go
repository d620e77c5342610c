package sio

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strconv"

	"github.com/zenwire/sio/engine"
)

type defaultParser struct{}

func (defaultParser) Encoder() Encoder {
	return &defaultEncoder{}
}

func (defaultParser) Decoder() Decoder {
	return newDefaultDecoder()
}

type üWriter interface {
	io.Writer
	io.ByteWriter
}

type defaultEncoder struct{}

func (d defaultEncoder) Encode(p *Packet) ([]byte, [][]byte, error) {
	var buf bytes.Buffer
	if err := d.encodeTo(&buf, p); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), p.buffer, nil
}

// preprocess strips binary values out of the payload, however deeply nested,
// replacing each with a numbered placeholder and collecting the raw buffers
// out-of-band. Packets that end up carrying attachments are promoted to their
// binary packet kind.
func (defaultEncoder) preprocess(p *Packet) {
	if p.Namespace != "" && p.Namespace[0] != '/' {
		p.Namespace = "/" + p.Namespace
	}
	p.attachments = 0
	p.buffer = nil
	p.Data = deconstructValue(p.Data, p)
	if p.attachments > 0 {
		switch p.Type {
		case PacketTypeEvent:
			p.Type = PacketTypeBinaryEvent
		case PacketTypeAck:
			p.Type = PacketTypeBinaryAck
		}
	}
}

func deconstructValue(v interface{}, p *Packet) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return p.addAttachment(t)
	case encoding.BinaryMarshaler:
		b, _ := t.MarshalBinary()
		return p.addAttachment(b)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = deconstructValue(t[i], p)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k := range t {
			out[k] = deconstructValue(t[k], p)
		}
		return out
	}
	return v
}

func (p *Packet) addAttachment(b []byte) *placeholder {
	ph := &placeholder{num: p.attachments}
	p.attachments++
	p.buffer = append(p.buffer, b)
	return ph
}

func (d defaultEncoder) encodeTo(w üWriter, p *Packet) (err error) {
	d.preprocess(p)

	if err = w.WriteByte(byte(p.Type) + '0'); err != nil {
		return
	}
	if p.attachments > 0 {
		if _, err = io.WriteString(w, strconv.Itoa(p.attachments)); err != nil {
			return
		}
		if err = w.WriteByte('-'); err != nil {
			return
		}
	}
	if p.Namespace != "" && p.Namespace != "/" {
		if _, err = io.WriteString(w, p.Namespace); err != nil {
			return
		}
		if err = w.WriteByte(','); err != nil {
			return
		}
	}
	if p.ID != nil {
		if _, err = io.WriteString(w, strconv.FormatUint(*p.ID, 10)); err != nil {
			return
		}
	}
	if p.Data != nil {
		err = json.NewEncoder(w).Encode(p.Data)
	}
	return
}

type defaultDecoder struct {
	packets chan *Packet
	lastp   *Packet
}

func newDefaultDecoder() *defaultDecoder {
	return &defaultDecoder{
		packets: make(chan *Packet, 8),
	}
}

func (d *defaultDecoder) Decoded() <-chan *Packet {
	return d.packets
}

// Add feeds one inbound frame. Text frames open a new packet; binary frames
// fill the attachment slots of the packet currently buffered. A packet is
// surfaced only once all declared attachments have arrived.
func (d *defaultDecoder) Add(msgType engine.MessageType, data []byte) error {
	if msgType != engine.MessageTypeString {
		if d.lastp == nil {
			return fmt.Errorf("%w: attachment with no pending packet", ErrMalformedPacket)
		}
		d.lastp.buffer = append(d.lastp.buffer, data)
	} else {
		if d.lastp != nil {
			return fmt.Errorf("%w: interleaved frame while %d attachments pending",
				ErrMalformedPacket, d.lastp.attachments-len(d.lastp.buffer))
		}
		p, err := d.decode(data)
		if err != nil {
			return err
		}
		d.lastp = p
	}
	if d.lastp.Complete() {
		d.packets <- d.lastp
		d.lastp = nil
	}
	return nil
}

func (defaultDecoder) decode(s []byte) (p *Packet, err error) {
	if len(s) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}
	b := PacketType(s[0] - '0')
	if b > PacketTypeBinaryAck {
		return nil, fmt.Errorf("%w: type digit %q", ErrMalformedPacket, s[0])
	}
	p = &Packet{Type: b, Namespace: "/"}
	i := 1 // skip 1st byte

	if i >= len(s) {
		return p, nil
	}

	if p.Type == PacketTypeBinaryEvent || p.Type == PacketTypeBinaryAck {
		j := i
		for ; j < len(s); j++ {
			if s[j] == '-' {
				break
			}
			if s[j] < '0' || s[j] > '9' {
				return nil, fmt.Errorf("%w: attachment count", ErrMalformedPacket)
			}
			p.attachments = p.attachments*10 + int(s[j]-'0')
		}
		i = j + 1
		if i >= len(s) {
			return p, nil
		}
	}

	if s[i] == '/' { // decode nsp
		j := i + 1
		for ; j < len(s); j++ {
			if s[j] == ',' {
				break
			}
		}
		p.Namespace = string(s[i:j])
		i = j + 1
		if i >= len(s) {
			return p, nil
		}
	}

	if s[i] >= '0' && s[i] <= '9' { // decode id
		j := i + 1
		var id = uint64(s[i] - '0')
		for ; j < len(s); j++ {
			if s[j] >= '0' && s[j] <= '9' {
				id = id*10 + uint64(s[j]-'0')
			} else {
				break
			}
		}
		p.ID = newid(id)
		i = j
		if i >= len(s) {
			return p, nil
		}
	}

	switch p.Type {
	case PacketTypeEvent, PacketTypeAck, PacketTypeBinaryEvent, PacketTypeBinaryAck:
		var items []json.RawMessage
		if err = json.Unmarshal(s[i:], &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		p.Data = append([]byte(nil), s[i:]...)
		if p.Type == PacketTypeBinaryEvent || p.Type == PacketTypeBinaryAck {
			if n := countPlaceholders(s[i:]); n != p.attachments {
				return nil, fmt.Errorf("%w: %d placeholders for %d declared attachments",
					ErrMalformedPacket, n, p.attachments)
			}
		}
	default:
		if err = json.Unmarshal(s[i:], &p.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	return p, nil
}

// ParseData splits a decoded packet into event name, argument payload and
// binary attachments, ready for callback dispatch.
func (defaultDecoder) ParseData(p *Packet) (event string, data []byte, bin [][]byte, err error) {
	text, ok := p.Data.([]byte)
	if !ok {
		err = fmt.Errorf("%w: data should be bytes but got %T", ErrMalformedPayload, p.Data)
		return
	}
	switch p.Type {
	case PacketTypeBinaryEvent:
		bin = p.buffer
		text = placeholderExp.ReplaceAllLiteral(text, nil)
		fallthrough
	case PacketTypeEvent:
		var match bool
		if event, data, match = extractEvent(text); !match {
			err = fmt.Errorf("%w: missing event name", ErrMalformedPayload)
		}
	case PacketTypeBinaryAck:
		bin = p.buffer
		data = placeholderExp.ReplaceAllLiteral(text, nil)
	case PacketTypeAck:
		data = text
	}
	return
}

func (defaultDecoder) UnmarshalArgs(args []reflect.Type, data []byte, buffer [][]byte) ([]reflect.Value, error) {
	argv := make([]interface{}, 0, len(args))
	in := make([]reflect.Value, len(args))
	for i, typ := range args {
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		in[i] = reflect.New(typ)
		it := in[i].Interface()
		if b, ok := it.(encoding.BinaryUnmarshaler); ok {
			if len(buffer) > 0 {
				if err := b.UnmarshalBinary(buffer[0]); err != nil {
					return nil, err
				}
				buffer = buffer[1:]
			}
		} else {
			argv = append(argv, it)
		}
	}
	if err := json.Unmarshal(data, &argv); err != nil {
		return nil, err
	}
	for i := range args {
		if args[i].Kind() != reflect.Ptr {
			in[i] = in[i].Elem()
		}
	}
	return in, nil
}

// PayloadItems materializes a decoded packet's payload as an ordered value
// list, resolving every attachment placeholder, however nested, back to its
// binary buffer.
func PayloadItems(p *Packet) ([]interface{}, error) {
	switch data := p.Data.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return data, nil
	case []byte:
		var items []interface{}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		v, err := resolveValue(items, p.buffer)
		if err != nil {
			return nil, err
		}
		return v.([]interface{}), nil
	}
	return nil, fmt.Errorf("%w: unexpected payload %T", ErrMalformedPayload, p.Data)
}

func resolveValue(v interface{}, buffer [][]byte) (interface{}, error) {
	switch t := v.(type) {
	case []interface{}:
		for i := range t {
			rv, err := resolveValue(t[i], buffer)
			if err != nil {
				return nil, err
			}
			t[i] = rv
		}
		return t, nil
	case map[string]interface{}:
		if num, ok := placeholderNum(t); ok {
			if num < 0 || num >= len(buffer) {
				return nil, fmt.Errorf("%w: placeholder %d of %d buffers", ErrMalformedPacket, num, len(buffer))
			}
			return &Bytes{Data: buffer[num]}, nil
		}
		for k := range t {
			rv, err := resolveValue(t[k], buffer)
			if err != nil {
				return nil, err
			}
			t[k] = rv
		}
		return t, nil
	}
	return v, nil
}

func placeholderNum(m map[string]interface{}) (int, bool) {
	if len(m) != 2 {
		return 0, false
	}
	if ph, ok := m["_placeholder"].(bool); !ok || !ph {
		return 0, false
	}
	num, ok := m["num"].(float64)
	if !ok {
		return 0, false
	}
	return int(num), true
}

func extractEvent(b []byte) (event string, left []byte, match bool) {
	if sub := eventExp.FindSubmatch(b); sub != nil {
		event = string(sub[1])
		left = eventExp.ReplaceAll(b, []byte{'['})
		match = true
	}
	return
}

func countPlaceholders(b []byte) int {
	return len(placeholderMarkExp.FindAll(b, -1))
}

var placeholderExp = regexp.MustCompile(`\s*,\s*\{\s*"_placeholder"\s*:\s*true\s*,\s*"num"\s*:\s*\d*?\s*\}\s*`)
var placeholderMarkExp = regexp.MustCompile(`\{\s*"_placeholder"\s*:\s*true\s*,\s*"num"\s*:\s*\d+\s*\}`)
var eventExp = regexp.MustCompile(`^\[\s*"(?P<event>[^"]+)"\s*,?`)

type placeholder struct {
	num int
}

func (b placeholder) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := fmt.Fprintf(&buf, `{"_placeholder":true,"num":%d}`, b.num); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Binary refers to binary data exchanged as an out-of-band attachment
type Binary interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Bytes is default implementation of Binary interface, a helper to transfer `[]byte`
type Bytes struct {
	Data []byte
}

// MarshalBinary implements encoding.BinaryMarshaler
func (b Bytes) MarshalBinary() ([]byte, error) {
	return b.Data[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (b *Bytes) UnmarshalBinary(p []byte) error {
	b.Data = p
	return nil
}
