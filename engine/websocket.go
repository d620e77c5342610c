package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

type websocketDialer struct {
	opts DialOptions
}

func (websocketDialer) Name() string { return transportWebsocket }

func (d *websocketDialer) Dial(ctx context.Context, rawurl string, requestHeader http.Header) (Conn, error) {
	endpoint, err := dialURL(rawurl, d.opts)
	if err != nil {
		return nil, newTransportError(KindUnreachable, "dial", err)
	}

	dialer := &websocket.Dialer{
		ReadBufferSize:   d.opts.ReadBufferSize,
		WriteBufferSize:  d.opts.WriteBufferSize,
		TLSClientConfig:  d.opts.TLSConfig,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}
	if d.opts.Socks5Proxy != "" {
		socks, err := proxy.SOCKS5("tcp", d.opts.Socks5Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, newTransportError(KindUnreachable, "socks5", err)
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	}
	c, _, err := dialer.DialContext(ctx, endpoint, requestHeader)
	if err != nil {
		return nil, newTransportError(classifyDialError(err), "dial", err)
	}
	return &websocketConn{conn: c}, nil
}

// dialURL derives the websocket endpoint from the user-supplied url: scheme
// mapped to ws/wss, path defaulted, protocol parameters merged into the query.
func dialURL(rawurl string, opts DialOptions) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if opts.Path != "" {
		u.Path = opts.Path
	}
	if u.Path == "" {
		u.Path = "/engine.io/"
	}
	q := u.Query()
	for k, vv := range opts.Query {
		for _, v := range vv {
			q.Add(k, v)
		}
	}
	q.Set(queryEIO, Version)
	q.Set(queryTransport, transportWebsocket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyDialError(err error) ErrorKind {
	var (
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &verifyErr),
		errors.As(err, &authorityErr), errors.As(err, &hostnameErr):
		return KindTLSFailure
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}

type websocketConn struct {
	conn *websocket.Conn
}

func (w *websocketConn) ReadPacket() (*Packet, error) {
	msgType, frame, err := w.conn.ReadMessage()
	if err != nil {
		return nil, newTransportError(classifyReadError(err), "read", err)
	}
	switch msgType {
	case websocket.TextMessage:
		return DecodeFrame(MessageTypeString, frame)
	case websocket.BinaryMessage:
		return DecodeFrame(MessageTypeBinary, frame)
	}
	return nil, ErrInvalidPacket
}

func classifyReadError(err error) ErrorKind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindClosed
}

func (w *websocketConn) WritePacket(p *Packet) error {
	msgType := websocket.TextMessage
	if p.MsgType == MessageTypeBinary {
		msgType = websocket.BinaryMessage
	}
	if err := w.conn.WriteMessage(msgType, EncodeFrame(p)); err != nil {
		kind := KindWriteFailed
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			kind = KindClosed
		}
		return newTransportError(kind, "write", err)
	}
	return nil
}

func (w *websocketConn) Close() error {
	return w.conn.Close()
}

func (w *websocketConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *websocketConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}
