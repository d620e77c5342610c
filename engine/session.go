package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// Message is one inbound payload delivered to the layer above.
type Message struct {
	Type MessageType
	Data []byte
}

// SessionOptions tunes a single connection attempt. Ping overrides apply only
// when the server handshake does not supply its own values.
type SessionOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration

	Compression          bool
	CompressionThreshold int

	EmitterBuffer int
}

func (o *SessionOptions) init() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.EmitterBuffer <= 0 {
		o.EmitterBuffer = 8
	}
}

// Session owns exactly one Conn: it drives the open handshake, the heartbeat
// monitor and a single writer goroutine, and surfaces message payloads to the
// layer above. A session never redials; reconnection constructs a new one.
type Session struct {
	conn         Conn
	param        *Parameters
	env          Envelope
	hb           *heartbeatMonitor
	pingInterval time.Duration
	pingTimeout  time.Duration
	writeTimeout time.Duration

	out  chan *Packet
	msgs chan Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Open dials a fresh connection and completes the handshake: the first frame
// must be a well-formed open packet arriving within the handshake timeout.
func Open(ctx context.Context, dialer Dialer, rawurl string, header http.Header, opts SessionOptions) (*Session, error) {
	opts.init()
	conn, err := dialer.Dial(ctx, rawurl, header)
	if err != nil {
		return nil, err
	}
	if err = conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, newTransportError(KindClosed, "handshake", err)
	}
	type firstPacket struct {
		p   *Packet
		err error
	}
	first := make(chan firstPacket, 1)
	go func() {
		p, err := conn.ReadPacket()
		first <- firstPacket{p, err}
	}()
	var p *Packet
	select {
	case <-ctx.Done():
		// Closing the conn unblocks the pending read.
		conn.Close()
		return nil, ctx.Err()
	case r := <-first:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		p = r.p
	}
	if p.Type != PacketTypeOpen {
		conn.Close()
		return nil, fmt.Errorf("%w: %s before open", ErrUnexpectedPacket, p.Type)
	}
	param, err := DecodeParameters(p.Data)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Server-supplied timing wins over client overrides.
	pingInterval := time.Duration(param.PingInterval) * time.Millisecond
	pingTimeout := time.Duration(param.PingTimeout) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = opts.PingInterval
	}
	if pingTimeout <= 0 {
		pingTimeout = opts.PingTimeout
	}
	if pingInterval <= 0 || pingTimeout <= 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: no usable ping interval/timeout", ErrHandshake)
	}

	s := &Session{
		conn:         conn,
		param:        param,
		env:          Envelope{Threshold: opts.CompressionThreshold, Enabled: opts.Compression},
		hb:           newHeartbeatMonitor(pingInterval, pingTimeout),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		writeTimeout: opts.WriteTimeout,
		out:          make(chan *Packet, opts.EmitterBuffer),
		msgs:         make(chan Message, opts.EmitterBuffer),
		done:         make(chan struct{}),
	}
	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// ID returns the session id assigned by the server.
func (s *Session) ID() string { return s.param.SID }

// Upgrades returns the transports the server allows upgrading to.
func (s *Session) Upgrades() []string { return s.param.Upgrades }

// Messages delivers inbound message payloads in receipt order.
func (s *Session) Messages() <-chan Message { return s.msgs }

// Closed closes when the session reaches its terminal state.
func (s *Session) Closed() <-chan struct{} { return s.done }

// Err reports the terminal cause; nil after an explicit Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send queues one message payload. Writes go out in submit order through a
// single writer goroutine.
func (s *Session) Send(data []byte, binary bool) error {
	p := &Packet{Type: PacketTypeMessage, MsgType: MessageTypeString, Data: data}
	if binary {
		wrapped, err := s.env.Wrap(data)
		if err != nil {
			return err
		}
		p.MsgType = MessageTypeBinary
		p.Data = wrapped
	}
	return s.submit(p)
}

func (s *Session) submit(p *Packet) error {
	// Checked on its own first: the combined select below picks at random
	// when out has buffer capacity left after done is closed.
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.out <- p:
		return nil
	}
}

// Close shuts the session down without recording an error.
func (s *Session) Close() error {
	s.fail(nil)
	s.wg.Wait()
	return nil
}

func (s *Session) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hb.Stop()
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WritePacket(p); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	tick := time.NewTicker(s.pingInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.hb.LivenessLost():
			s.fail(ErrLivenessLost)
			return
		case <-tick.C:
			if err := s.submit(&Packet{Type: PacketTypePing}); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	window := s.pingInterval + s.pingTimeout
	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(window))
		p, err := s.conn.ReadPacket()
		if err != nil {
			s.fail(err)
			return
		}
		switch p.Type {
		case PacketTypePing:
			s.hb.Touch()
			s.submit(&Packet{Type: PacketTypePong, Data: p.Data})
		case PacketTypePong:
			s.hb.Touch()
		case PacketTypeMessage:
			data := p.Data
			if p.MsgType == MessageTypeBinary {
				if data, err = s.env.Unwrap(p.Data); err != nil {
					// Isolated to this frame; the connection stays up.
					logs.Warnf("engine: dropping message frame: %v", err)
					continue
				}
			}
			select {
			case <-s.done:
				return
			case s.msgs <- Message{Type: p.MsgType, Data: data}:
			}
		case PacketTypeClose:
			s.fail(newTransportError(KindClosed, "read", fmt.Errorf("peer sent close")))
			return
		case PacketTypeOpen, PacketTypeUpgrade, PacketTypeNoop:
			// No-ops after the handshake.
		}
	}
}
