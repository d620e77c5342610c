package engine

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// Dialer establishes a fresh connection to a remote server. A reconnect
// always dials a new Conn; instances are never reused across attempts.
type Dialer interface {
	Dial(ctx context.Context, rawurl string, requestHeader http.Header) (Conn, error)
	Name() string
}

// Conn is abstraction of one bidirectional engine-layer channel. Frames are
// read and written in order; ReadPacket blocks until a frame arrives, the
// deadline passes or the channel closes.
type Conn interface {
	PacketReader
	PacketWriter
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// PacketReader reads data from remote and outputs a Packet when appropriate
type PacketReader interface {
	ReadPacket() (p *Packet, err error)
}

// PacketWriter accepts a Packet and sends to remote
type PacketWriter interface {
	WritePacket(p *Packet) error
}

// DialOptions carries transport construction parameters. All fields are
// optional; zero values fall back to transport defaults.
type DialOptions struct {
	// Path is the endpoint path prefix, e.g. "/engine.io/".
	Path string
	// Query is appended to the dial URL alongside protocol parameters.
	Query url.Values
	// TLSConfig applies to wss/https endpoints.
	TLSConfig *tls.Config
	// Socks5Proxy, when non-empty, tunnels the connection through the given
	// SOCKS5 proxy address (host:port).
	Socks5Proxy string
	// HandshakeTimeout bounds the transport-level handshake.
	HandshakeTimeout time.Duration
	// ReadBufferSize and WriteBufferSize size the transport I/O buffers.
	ReadBufferSize  int
	WriteBufferSize int
}

const transportWebsocket = "websocket"

// NewDialer returns a Dialer for the named transport.
func NewDialer(name string, opts DialOptions) (Dialer, error) {
	switch name {
	case transportWebsocket:
		return &websocketDialer{opts: opts}, nil
	}
	return nil, ErrUnknownTransport
}
