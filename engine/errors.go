package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPacket indicates a frame whose type prefix is not a known packet type.
	ErrInvalidPacket = errors.New("engine: invalid packet")
	// ErrHandshake indicates a malformed or incomplete open payload.
	ErrHandshake = errors.New("engine: bad handshake")
	// ErrUnexpectedPacket indicates a well-formed packet arriving out of sequence.
	ErrUnexpectedPacket = errors.New("engine: unexpected packet")
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("engine: session closed")
	// ErrLivenessLost indicates no ping/pong was observed within the negotiated window.
	ErrLivenessLost = errors.New("engine: liveness lost")
	// ErrUnknownTransport is returned for a transport name with no registered dialer.
	ErrUnknownTransport = errors.New("engine: unknown transport")
)

// ErrorKind classifies a TransportError.
type ErrorKind int

const (
	KindUnreachable ErrorKind = iota
	KindTLSFailure
	KindTimeout
	KindClosed
	KindWriteFailed
)

// String returns string representation of an ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTLSFailure:
		return "tls failure"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindWriteFailed:
		return "write failed"
	}
	return "unknown"
}

// TransportError wraps a failure of the underlying byte transport with the
// operation and failure class, so callers can branch on Kind while the
// original cause stays reachable through errors.Unwrap.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(kind ErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError of the given kind.
func IsTransportError(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}
