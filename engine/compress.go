package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Envelope wraps message payloads with a length-prefixed, optionally
// compressed header before they reach the wire:
//
//	byte 0    flag, 0 = raw, 1 = gzip
//	bytes 1-8 original payload length, big-endian
//	rest      payload, raw or compressed
//
// Payloads shorter than Threshold are never compressed. The envelope operates
// on raw bytes only and is applied exactly once per frame, below the event
// codec.
type Envelope struct {
	Threshold int
	Enabled   bool
}

const (
	flagRaw        = 0x00
	flagCompressed = 0x01
	headerSize     = 9

	// DefaultCompressThreshold is the payload size at which compression kicks in.
	DefaultCompressThreshold = 1024
)

var (
	// ErrDecompressionMismatch indicates the inflated payload does not match
	// the original length recorded in the envelope header.
	ErrDecompressionMismatch = errors.New("engine: decompressed length mismatch")
	// ErrCompressedFormat indicates an envelope whose compressed payload does
	// not start with the gzip magic bytes, or whose header is truncated.
	ErrCompressedFormat = errors.New("engine: invalid compressed format")
)

var gzipMagic = [2]byte{0x1f, 0x8b}

func (e Envelope) threshold() int {
	if e.Threshold > 0 {
		return e.Threshold
	}
	return DefaultCompressThreshold
}

// Wrap envelopes an outbound payload. Zero-length input round-trips to a
// zero-length payload without touching the codec.
func (e Envelope) Wrap(payload []byte) ([]byte, error) {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[1:], uint64(len(payload)))
	if !e.Enabled || len(payload) < e.threshold() {
		header[0] = flagRaw
		return append(header, payload...), nil
	}
	header[0] = flagCompressed
	buf := bytes.NewBuffer(header)
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unwrap strips the envelope from an inbound payload, inflating and verifying
// the recorded length when the compressed flag is set.
func (e Envelope) Unwrap(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCompressedFormat, len(frame))
	}
	want := binary.BigEndian.Uint64(frame[1:headerSize])
	payload := frame[headerSize:]
	switch frame[0] {
	case flagRaw:
		if uint64(len(payload)) != want {
			return nil, fmt.Errorf("%w: got %d bytes, header says %d", ErrDecompressionMismatch, len(payload), want)
		}
		return payload, nil
	case flagCompressed:
		if len(payload) < 2 || payload[0] != gzipMagic[0] || payload[1] != gzipMagic[1] {
			return nil, fmt.Errorf("%w: missing gzip magic", ErrCompressedFormat)
		}
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressedFormat, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressedFormat, err)
		}
		if uint64(len(out)) != want {
			return nil, fmt.Errorf("%w: got %d bytes, header says %d", ErrDecompressionMismatch, len(out), want)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: flag byte %#x", ErrCompressedFormat, frame[0])
}
