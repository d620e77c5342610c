package sio

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tinylib/msgp/msgp"
	"github.com/zenwire/sio/engine"
)

// msgpackParser exchanges event/ack packets as MessagePack maps on binary
// frames. Control packets (connect/disconnect/error) stay on the JSON text
// grammar so namespace management looks the same in both dialects.
type msgpackParser struct{}
type msgpackEncoder struct{}
type msgpackDecoder struct{ packets chan *Packet }

func (msgpackParser) Encoder() Encoder { return &msgpackEncoder{} }
func (msgpackParser) Decoder() Decoder { return newMsgpackDecoder(8) }

type msgpackEnvelope struct {
	Type      PacketType  `json:"type"`
	Namespace string      `json:"nsp"`
	Data      interface{} `json:"data,omitempty"`
	ID        *uint64     `json:"id,omitempty"`
}

func (msgpackEncoder) Encode(p *Packet) ([]byte, [][]byte, error) {
	env := msgpackEnvelope{Type: p.Type, Namespace: p.Namespace, Data: p.Data, ID: p.ID}
	if env.Namespace == "" {
		env.Namespace = "/"
	}
	switch p.Type {
	case PacketTypeConnect, PacketTypeDisconnect, PacketTypeError:
		b, err := json.Marshal(&env)
		return b, nil, err
	}
	o, err := marshalMsgpackEnvelope(&env)
	if err != nil {
		return nil, nil, err
	}
	return nil, [][]byte{o}, nil
}

func marshalMsgpackEnvelope(env *msgpackEnvelope) (o []byte, err error) {
	o = msgp.AppendMapHeader(nil, 4)
	o = msgp.AppendString(o, "type")
	o = msgp.AppendByte(o, byte(env.Type))
	o = msgp.AppendString(o, "nsp")
	o = msgp.AppendString(o, env.Namespace)
	o = msgp.AppendString(o, "data")
	if o, err = msgp.AppendIntf(o, msgpNormalize(env.Data)); err != nil {
		return nil, err
	}
	o = msgp.AppendString(o, "id")
	if env.ID == nil {
		o = msgp.AppendNil(o)
	} else {
		o = msgp.AppendUint64(o, *env.ID)
	}
	return o, nil
}

// msgpNormalize rewrites Binary payload values as plain byte slices, which
// MessagePack carries inline instead of as out-of-band attachments.
func msgpNormalize(v interface{}) interface{} {
	switch t := v.(type) {
	case Binary:
		b, _ := t.MarshalBinary()
		return b
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = msgpNormalize(t[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k := range t {
			out[k] = msgpNormalize(t[k])
		}
		return out
	}
	return v
}

func newMsgpackDecoder(size int) *msgpackDecoder {
	return &msgpackDecoder{packets: make(chan *Packet, size)}
}

func (m *msgpackDecoder) Decoded() <-chan *Packet { return m.packets }

func (m *msgpackDecoder) Add(msgType engine.MessageType, data []byte) error {
	p := &Packet{}
	switch msgType {
	case engine.MessageTypeString:
		var env msgpackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		p.Type, p.Namespace, p.Data, p.ID = env.Type, env.Namespace, env.Data, env.ID
	case engine.MessageTypeBinary:
		if err := unmarshalMsgpackEnvelope(p, data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
	}
	if p.Type > PacketTypeBinaryAck {
		return fmt.Errorf("%w: type %d", ErrMalformedPacket, p.Type)
	}
	if p.Namespace == "" {
		p.Namespace = "/"
	}
	m.packets <- p
	return nil
}

func unmarshalMsgpackEnvelope(p *Packet, bts []byte) (err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadMapHeaderBytes(bts); err != nil {
		return err
	}
	for ; sz > 0; sz-- {
		var field []byte
		if field, bts, err = msgp.ReadMapKeyZC(bts); err != nil {
			return err
		}
		switch msgp.UnsafeString(field) {
		case "type":
			var b byte
			if b, bts, err = msgp.ReadByteBytes(bts); err != nil {
				return err
			}
			p.Type = PacketType(b)
		case "nsp":
			if p.Namespace, bts, err = msgp.ReadStringBytes(bts); err != nil {
				return err
			}
		case "data":
			var raw msgp.Raw
			if bts, err = raw.UnmarshalMsg(bts); err != nil {
				return err
			}
			p.Data = []byte(raw)
		case "id":
			if msgp.IsNil(bts) {
				if bts, err = msgp.ReadNilBytes(bts); err != nil {
					return err
				}
				p.ID = nil
			} else {
				p.ID = new(uint64)
				if *p.ID, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
					return err
				}
			}
		default:
			if bts, err = msgp.Skip(bts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (msgpackDecoder) ParseData(p *Packet) (event string, data []byte, bin [][]byte, err error) {
	switch p.Type {
	case PacketTypeConnect, PacketTypeDisconnect, PacketTypeError:
		return
	}
	b, ok := p.Data.([]byte)
	if !ok {
		err = fmt.Errorf("%w: data should be raw bytes but got %T", ErrMalformedPayload, p.Data)
		return
	}
	if t := msgp.NextType(b); t != msgp.ArrayType {
		err = fmt.Errorf("%w: data should be a list of arguments but got %v", ErrMalformedPayload, t)
		return
	}
	data = b
	var sz uint32
	sz, b, err = msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return
	}
	switch p.Type {
	case PacketTypeEvent, PacketTypeBinaryEvent:
		if t := msgp.NextType(b); t != msgp.StrType {
			err = fmt.Errorf("%w: event name should be a string but got %v", ErrMalformedPayload, t)
			return
		}
		if event, b, err = msgp.ReadStringBytes(b); err != nil {
			return
		}
		// reconstruct the argument array without the event name
		data = msgp.AppendArrayHeader(make([]byte, 0, len(b)+5), sz-1)
		data = append(data, b...)
	}
	return
}

func (msgpackDecoder) UnmarshalArgs(args []reflect.Type, data []byte, _ [][]byte) (in []reflect.Value, err error) {
	var sz uint32
	if sz, data, err = msgp.ReadArrayHeaderBytes(data); err != nil {
		return
	}
	if len(args) > int(sz) {
		return nil, fmt.Errorf("%d arguments but only %d values", len(args), sz)
	}
	in = make([]reflect.Value, len(args))
	for i, typ := range args {
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		in[i] = reflect.New(typ)
		if data, err = msgpUnmarshalArg(in[i], data); err != nil {
			return nil, err
		}
		if args[i].Kind() != reflect.Ptr {
			in[i] = in[i].Elem()
		}
	}
	return in, nil
}

func msgpUnmarshalArg(i reflect.Value, data []byte) ([]byte, error) {
	var err error
	switch t := i.Interface().(type) {
	case msgp.Unmarshaler:
		return t.UnmarshalMsg(data)
	case *bool:
		*t, data, err = msgp.ReadBoolBytes(data)
		return data, err
	case *float32:
		*t, data, err = msgp.ReadFloat32Bytes(data)
		return data, err
	case *float64:
		*t, data, err = msgp.ReadFloat64Bytes(data)
		return data, err
	case *int:
		*t, data, err = msgp.ReadIntBytes(data)
		return data, err
	case *int64:
		*t, data, err = msgp.ReadInt64Bytes(data)
		return data, err
	case *uint64:
		*t, data, err = msgp.ReadUint64Bytes(data)
		return data, err
	case *string:
		*t, data, err = msgp.ReadStringBytes(data)
		return data, err
	case *[]byte:
		*t, data, err = msgp.ReadBytesZC(data)
		return data, err
	case *Bytes:
		t.Data, data, err = msgp.ReadBytesZC(data)
		return data, err
	case *map[string]interface{}:
		*t, data, err = msgp.ReadMapStrIntfBytes(data, nil)
		return data, err
	case *interface{}:
		*t, data, err = msgp.ReadIntfBytes(data)
		return data, err
	}

	ie := i.Elem()
	switch ie.Kind() {
	case reflect.Ptr:
		vv := reflect.New(ie.Type().Elem())
		data, err = msgpUnmarshalArg(vv, data)
		if err == nil {
			ie.Set(vv)
		}
		return data, err
	case reflect.Slice:
		var sz uint32
		sz, data, err = msgp.ReadArrayHeaderBytes(data)
		if err != nil {
			return data, err
		}
		slice := reflect.MakeSlice(ie.Type(), 0, int(sz))
		for n := 0; n < int(sz); n++ {
			vv := reflect.New(ie.Type().Elem())
			if data, err = msgpUnmarshalArg(vv, data); err != nil {
				return data, err
			}
			slice = reflect.Append(slice, vv.Elem())
		}
		ie.Set(slice)
		return data, nil
	}
	return data, fmt.Errorf("%v unsupported", ie.Type())
}
