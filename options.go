package sio

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/zenwire/sio/engine"
)

// Options configures a Client. The zero value is usable; init fills defaults.
type Options struct {
	// Reconnect enables automatic reconnection after an unexpected disconnect.
	Reconnect bool
	// ReconnectAttempts caps one reconnect episode. Default 10.
	ReconnectAttempts int
	// Backoff shapes the delay between attempts. Default DefaultBackoff.
	Backoff Backoff
	// PreserveAcks keeps pending acknowledgment entries alive across a
	// reconnect episode instead of failing them with ErrDisconnected.
	PreserveAcks bool

	// Transports is the dial preference list. Default ["websocket"].
	Transports []string
	// Path is the endpoint path prefix.
	Path string
	// Query is appended to the dial URL.
	Query url.Values
	// Header is sent with the transport handshake.
	Header http.Header
	// TLSConfig applies to TLS endpoints.
	TLSConfig *tls.Config
	// Socks5Proxy tunnels the transport through a SOCKS5 proxy when non-empty.
	Socks5Proxy string

	// HandshakeTimeout bounds dial plus open-packet receipt. Default 10s.
	HandshakeTimeout time.Duration
	// AckTimeout is the default deadline for emit-with-ack calls. Default 10s.
	AckTimeout time.Duration
	// PingInterval and PingTimeout apply only when the server handshake does
	// not supply its own values; server values win.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// Compression enables the length-prefixed gzip envelope on binary frames.
	Compression bool
	// CompressionThreshold is the minimum payload size to compress. Default 1024.
	CompressionThreshold int

	// Parser selects the wire dialect. Default DefaultParser.
	Parser Parser
	// NamespaceBuffer bounds events held for a pending namespace join. Default 32.
	NamespaceBuffer int
}

func (o *Options) init() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 10
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if len(o.Transports) == 0 {
		o.Transports = []string{"websocket"}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.Parser == nil {
		o.Parser = DefaultParser
	}
	if o.NamespaceBuffer <= 0 {
		o.NamespaceBuffer = defaultNamespaceBuffer
	}
}

func (o *Options) sessionOptions() engine.SessionOptions {
	return engine.SessionOptions{
		HandshakeTimeout:     o.HandshakeTimeout,
		PingInterval:         o.PingInterval,
		PingTimeout:          o.PingTimeout,
		Compression:          o.Compression,
		CompressionThreshold: o.CompressionThreshold,
	}
}

func (o *Options) dialOptions() engine.DialOptions {
	return engine.DialOptions{
		Path:             o.Path,
		Query:            o.Query,
		TLSConfig:        o.TLSConfig,
		Socks5Proxy:      o.Socks5Proxy,
		HandshakeTimeout: o.HandshakeTimeout,
	}
}
