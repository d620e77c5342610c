package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptConn struct {
	in     chan *Packet // server -> client
	out    chan *Packet // client -> server
	closed chan struct{}
	once   sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		in:     make(chan *Packet, 16),
		out:    make(chan *Packet, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) ReadPacket() (*Packet, error) {
	select {
	case <-c.closed:
		return nil, newTransportError(KindClosed, "read", errors.New("conn closed"))
	case p := <-c.in:
		return p, nil
	}
}

func (c *scriptConn) WritePacket(p *Packet) error {
	select {
	case <-c.closed:
		return newTransportError(KindClosed, "write", errors.New("conn closed"))
	case c.out <- p:
		return nil
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	err   error
}

func (d *scriptDialer) Name() string { return "script" }

func (d *scriptDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, newTransportError(KindUnreachable, "dial", errors.New("no conn scripted"))
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func handshakePacket(t *testing.T, interval, timeout int) *Packet {
	t.Helper()
	data, err := json.Marshal(&Parameters{SID: "s1", PingInterval: interval, PingTimeout: timeout})
	require.NoError(t, err)
	return &Packet{MsgType: MessageTypeString, Type: PacketTypeOpen, Data: data}
}

func TestSessionHandshake(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "s1", sess.ID())
}

func TestSessionHandshakeRejectsNonOpen(t *testing.T) {
	conn := newScriptConn()
	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypePing}
	_, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
}

func TestSessionHandshakeRejectsBadParameters(t *testing.T) {
	conn := newScriptConn()
	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypeOpen, Data: []byte(`{"pingInterval":1}`)}
	_, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestSessionTimingOverride(t *testing.T) {
	conn := newScriptConn()
	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypeOpen, Data: []byte(`{"sid":"s1"}`)}
	opts := SessionOptions{PingInterval: 30 * time.Millisecond, PingTimeout: time.Second}
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, opts)
	require.NoError(t, err)
	defer sess.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case p := <-conn.out:
			if p.Type == PacketTypePing {
				return
			}
		case <-deadline:
			t.Fatal("client override interval did not drive pings")
		}
	}
}

func TestSessionNoUsableTiming(t *testing.T) {
	conn := newScriptConn()
	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypeOpen, Data: []byte(`{"sid":"s1"}`)}
	_, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestSessionDeliversMessages(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypeMessage, Data: []byte("hello")}
	select {
	case m := <-sess.Messages():
		assert.Equal(t, "hello", string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSessionRepliesPong(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypePing, Data: []byte("hb1")}
	deadline := time.After(time.Second)
	for {
		select {
		case p := <-conn.out:
			if p.Type == PacketTypePong {
				assert.Equal(t, "hb1", string(p.Data))
				return
			}
		case <-deadline:
			t.Fatal("no pong reply")
		}
	}
}

func TestSessionPingsOnInterval(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 30, 1000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case p := <-conn.out:
			if p.Type == PacketTypePing {
				return
			}
		case <-deadline:
			t.Fatal("no ping sent within the interval")
		}
	}
}

func TestSessionLivenessLost(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 20, 20)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	// The peer never answers pings, so the window must elapse.
	select {
	case <-sess.Closed():
		assert.ErrorIs(t, sess.Err(), ErrLivenessLost)
	case <-time.After(time.Second):
		t.Fatal("session survived a silent peer")
	}
}

func TestSessionPeerClose(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	defer sess.Close()

	conn.in <- &Packet{MsgType: MessageTypeString, Type: PacketTypeClose}
	select {
	case <-sess.Closed():
		assert.True(t, IsTransportError(sess.Err(), KindClosed))
	case <-time.After(time.Second):
		t.Fatal("session survived peer close")
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Send([]byte("x"), false), ErrSessionClosed)
	// even with buffer room left in the outbound queue
	for i := 0; i < 8; i++ {
		assert.ErrorIs(t, sess.Send([]byte("x"), false), ErrSessionClosed)
	}
}

func TestSessionOpenCancelled(t *testing.T) {
	conn := newScriptConn() // never sends the open packet
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Open(ctx, &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, SessionOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancellation must not wait out the handshake timeout")
	select {
	case <-conn.closed:
	default:
		t.Fatal("conn left open after a cancelled handshake")
	}
}

func TestSessionCompressedPayload(t *testing.T) {
	conn := newScriptConn()
	conn.in <- handshakePacket(t, 25000, 20000)
	opts := SessionOptions{Compression: true, CompressionThreshold: 8}
	sess, err := Open(context.Background(), &scriptDialer{conns: []*scriptConn{conn}}, "ws://x", nil, opts)
	require.NoError(t, err)
	defer sess.Close()

	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	require.NoError(t, sess.Send(payload, true))
	select {
	case p := <-conn.out:
		require.Equal(t, MessageTypeBinary, p.MsgType)
		env := Envelope{Threshold: 8, Enabled: true}
		out, err := env.Unwrap(p.Data)
		require.NoError(t, err)
		assert.Equal(t, payload, out)

		// feed it back: the session must unwrap before delivery
		conn.in <- &Packet{MsgType: MessageTypeBinary, Type: PacketTypeMessage, Data: p.Data}
		select {
		case m := <-sess.Messages():
			assert.Equal(t, payload, m.Data)
		case <-time.After(time.Second):
			t.Fatal("binary message not delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("nothing written")
	}
}
