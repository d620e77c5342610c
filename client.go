package sio

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
	"github.com/zenwire/sio/engine"
)

var (
	// ErrReconnectExhausted is terminal: the reconnect attempt ceiling was
	// reached. A further explicit Connect is required to retry.
	ErrReconnectExhausted = errors.New("sio: reconnect attempts exhausted")
	// ErrConnectRefused is terminal for the connection: the peer answered a
	// namespace join with an error packet, which has no retry semantics.
	ErrConnectRefused = errors.New("sio: namespace connect refused")
	// ErrNotDisconnected is returned by Connect on a client that is not idle.
	ErrNotDisconnected = errors.New("sio: client is not disconnected")

	errPeerDisconnect = errors.New("sio: peer requested disconnect")
)

// Client is the connection state machine. All session lifecycle and packet
// routing run on a single owner goroutine per connection epoch; Emit and the
// registries synchronize through it, never through ambient globals.
type Client struct {
	url     string
	opts    Options
	dialers []engine.Dialer
	encoder Encoder
	acks    *ackRegistry
	nss     *nsRegistry

	state    atomic.Int32
	explicit atomic.Bool // Disconnect() was called; do not reconnect

	cbmu         sync.RWMutex
	onError      func(error)
	onDisconnect func(error)
	onReconnect  func(attempt int)

	mu      sync.Mutex // session epoch lifecycle
	sess    *engine.Session
	dec     Decoder
	closing chan struct{}

	sendMu sync.Mutex // keeps a frame and its attachments contiguous
}

// NewClient prepares a client for the given endpoint. No I/O happens until
// Connect.
func NewClient(rawurl string, opts Options) (*Client, error) {
	opts.init()
	c := &Client{
		url:     rawurl,
		opts:    opts,
		encoder: opts.Parser.Encoder(),
		acks:    newAckRegistry(),
	}
	c.nss = newNsRegistry(c, opts.NamespaceBuffer)
	for _, name := range opts.Transports {
		d, err := engine.NewDialer(name, opts.dialOptions())
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, name)
		}
		c.dialers = append(c.dialers, d)
	}
	c.nss.get("/") // root namespace always exists
	return c, nil
}

// State returns the current lifecycle phase.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// OnError registers a callback for recorded failures that have no awaiting caller.
func (c *Client) OnError(fn func(error)) {
	c.cbmu.Lock()
	c.onError = fn
	c.cbmu.Unlock()
}

// OnDisconnect registers a callback fired when the client reaches
// Disconnected; err is nil after an explicit Disconnect.
func (c *Client) OnDisconnect(fn func(error)) {
	c.cbmu.Lock()
	c.onDisconnect = fn
	c.cbmu.Unlock()
}

// OnReconnect registers a callback fired after a successful reconnect, with
// the attempt number that succeeded.
func (c *Client) OnReconnect(fn func(attempt int)) {
	c.cbmu.Lock()
	c.onReconnect = fn
	c.cbmu.Unlock()
}

func (c *Client) fireError(err error) {
	c.cbmu.RLock()
	fn := c.onError
	c.cbmu.RUnlock()
	if fn != nil {
		fn(err)
	} else {
		logs.Errorf("sio: %v", err)
	}
}

func (c *Client) fireDisconnect(err error) {
	c.cbmu.RLock()
	fn := c.onDisconnect
	c.cbmu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Connect dials and handshakes, driving the initial attempt cycle until the
// client is Open, the reconnect policy is exhausted, or ctx is cancelled.
// Cancelling mid-handshake aborts the dial and leaves the client Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrNotDisconnected
	}
	c.explicit.Store(false)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.setState(StateReconnecting)
			if attempt > c.opts.ReconnectAttempts {
				c.setState(StateDisconnected)
				return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, lastErr)
			}
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-time.After(c.opts.Backoff.Next(attempt)):
			}
			c.setState(StateConnecting)
		}
		sess, err := c.dial(ctx)
		if err == nil {
			c.establish(sess)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if !c.opts.Reconnect {
			c.setState(StateDisconnected)
			return err
		}
		logs.Warnf("sio: connect attempt %d failed: %v", attempt+1, err)
	}
}

// dial tries each transport in preference order, returning the first session
// that completes the handshake.
func (c *Client) dial(ctx context.Context) (*engine.Session, error) {
	var lastErr error
	for _, d := range c.dialers {
		sess, err := engine.Open(ctx, d, c.url, c.opts.Header, c.opts.sessionOptions())
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// establish installs a fresh session, re-issues namespace joins, and starts
// the owner goroutine for this connection epoch.
func (c *Client) establish(sess *engine.Session) {
	dec := c.opts.Parser.Decoder()
	closing := make(chan struct{})

	c.mu.Lock()
	c.sess = sess
	c.dec = dec
	c.closing = closing
	c.mu.Unlock()

	c.setState(StateOpen)

	// Every known namespace must be re-acknowledged by the peer before
	// events are delivered to it again.
	for _, n := range c.nss.all() {
		n.requestJoin()
		if err := c.sendConnect(n); err != nil {
			logs.Warnf("sio: namespace %s connect: %v", n.Path(), err)
		}
	}

	go c.run(sess, dec, closing)
}

func (c *Client) sendConnect(n *Namespace) error {
	return c.sendPacket(&Packet{Type: PacketTypeConnect, Namespace: n.Path()})
}

// run is the owner goroutine of one connection epoch: it feeds inbound frames
// through the decoder and routes complete packets, serialized.
func (c *Client) run(sess *engine.Session, dec Decoder, closing chan struct{}) {
	for {
		select {
		case <-closing:
			return
		case <-sess.Closed():
			c.dropped(sess.Err())
			return
		case m := <-sess.Messages():
			if err := dec.Add(m.Type, m.Data); err != nil {
				// Isolated to this frame; the connection stays up.
				logs.Warnf("sio: skipping frame: %v", err)
				continue
			}
			if fatal := c.drainDecoded(dec, closing); fatal != nil {
				if errors.Is(fatal, errPeerDisconnect) {
					// Close only the session here. The epoch's closing
					// channel must stay open: the reconnect goroutine
					// selects on it, and only an explicit Disconnect
					// may close it.
					c.mu.Lock()
					if c.sess != nil {
						c.sess.Close()
						c.sess = nil
					}
					c.mu.Unlock()
					c.dropped(fatal)
					return
				}
				c.teardown(closing)
				c.cleanup(fatal)
				c.setState(StateDisconnected)
				c.fireError(fatal)
				c.fireDisconnect(fatal)
				return
			}
		}
	}
}

func (c *Client) drainDecoded(dec Decoder, closing chan struct{}) error {
	for {
		select {
		case p := <-dec.Decoded():
			if err := c.process(p, dec); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// process routes one complete inbound packet. A returned error is fatal for
// the connection.
func (c *Client) process(p *Packet, dec Decoder) error {
	switch p.Type {
	case PacketTypeConnect:
		n := c.nss.get(p.Namespace)
		for _, held := range n.join() {
			c.dispatch(n, held, dec)
		}
	case PacketTypeDisconnect:
		if p.Namespace == "/" {
			return errPeerDisconnect
		}
		if n, ok := c.nss.lookup(p.Namespace); ok {
			n.suspend()
		}
	case PacketTypeEvent, PacketTypeBinaryEvent:
		n := c.nss.get(p.Namespace)
		if !n.Joined() {
			n.hold(p)
			return nil
		}
		c.dispatch(n, p, dec)
	case PacketTypeAck, PacketTypeBinaryAck:
		if p.ID == nil {
			logs.Warnf("sio: ack packet without id, ignoring")
			return nil
		}
		_, data, bin, err := dec.ParseData(p)
		if err != nil {
			logs.Warnf("sio: skipping ack %d: %v", *p.ID, err)
			return nil
		}
		c.acks.Resolve(*p.ID, data, bin)
	case PacketTypeError:
		return fmt.Errorf("%w: namespace %s: %v", ErrConnectRefused, p.Namespace, p.Data)
	default:
		logs.Warnf("sio: skipping packet type %d", p.Type)
	}
	return nil
}

// dispatch fires the namespace handler for an event packet. When the packet
// carries an id, handler return values are sent back as the acknowledgment.
func (c *Client) dispatch(n *Namespace, p *Packet, dec Decoder) {
	event, data, bin, err := dec.ParseData(p)
	if err != nil {
		logs.Warnf("sio: skipping event on %s: %v", n.Path(), err)
		return
	}
	cb, ok := n.get(event)
	if !ok {
		logs.Debugf("sio: no handler for %q on %s", event, n.Path())
		return
	}
	out, err := cb.Call(dec, data, bin)
	if err != nil {
		c.fireError(fmt.Errorf("sio: handler %q: %w", event, err))
		return
	}
	if p.ID == nil {
		return
	}
	reply := &Packet{Type: PacketTypeAck, Namespace: p.Namespace, ID: p.ID}
	args := make([]interface{}, len(out))
	for i := range out {
		args[i] = out[i].Interface()
	}
	reply.Data = args
	if err = c.sendPacket(reply); err != nil {
		c.fireError(fmt.Errorf("sio: ack reply %d: %w", *p.ID, err))
	}
}

// dropped handles an unexpected session end: transport error, liveness lost,
// or peer close.
func (c *Client) dropped(cause error) {
	if c.explicit.Load() {
		return
	}
	if cause == nil {
		cause = ErrDisconnected
	}
	c.cleanup(cause)
	if !c.opts.Reconnect {
		c.setState(StateDisconnected)
		c.fireError(cause)
		c.fireDisconnect(cause)
		return
	}
	logs.Infof("sio: connection lost (%v), reconnecting", cause)
	go c.reconnect(cause)
}

// cleanup invalidates per-connection state on leaving Open. Pending acks fail
// immediately unless the preserve policy is configured; namespaces drop to
// pending and must be re-acknowledged.
func (c *Client) cleanup(cause error) {
	if !c.opts.PreserveAcks {
		c.acks.FailAll(ErrDisconnected)
	}
	c.nss.suspendAll()
	if cause != nil && !errors.Is(cause, ErrDisconnected) {
		logs.Warnf("sio: connection ended: %v", cause)
	}
}

// reconnect drives one reconnect episode. Attempt numbers are strictly
// increasing within the episode and reset once a session is re-established.
func (c *Client) reconnect(cause error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		c.setState(StateReconnecting)
		select {
		case <-closing:
			return
		case <-time.After(c.opts.Backoff.Next(attempt)):
		}
		if c.explicit.Load() {
			return
		}
		c.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		sess, err := c.dial(ctx)
		cancel()
		if err == nil {
			// Disconnect may have raced the dial; the fresh session must
			// not come up after an explicit shutdown.
			if c.explicit.Load() {
				sess.Close()
				return
			}
			c.establish(sess)
			c.cbmu.RLock()
			fn := c.onReconnect
			c.cbmu.RUnlock()
			if fn != nil {
				fn(attempt)
			}
			return
		}
		cause = err
		logs.Warnf("sio: reconnect attempt %d/%d failed: %v", attempt, c.opts.ReconnectAttempts, err)
	}
	err := fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, cause)
	if c.opts.PreserveAcks {
		c.acks.FailAll(err)
	}
	c.setState(StateDisconnected)
	c.fireError(err)
	c.fireDisconnect(err)
}

// Disconnect closes the connection gracefully: a disconnect packet is sent,
// the transport is closed and the client lands in Disconnected. Pending
// acknowledgments fail with ErrDisconnected.
func (c *Client) Disconnect() error {
	c.explicit.Store(true)
	s := c.State()
	if s == StateDisconnected || s == StateClosing {
		return nil
	}
	c.setState(StateClosing)

	c.mu.Lock()
	sess := c.sess
	closing := c.closing
	c.sess = nil
	c.closing = nil
	c.mu.Unlock()

	if sess != nil {
		c.sendPacketOn(sess, &Packet{Type: PacketTypeDisconnect, Namespace: "/"})
		sess.Close()
	}
	c.teardown(closing)
	c.cleanup(nil)
	c.setState(StateDisconnected)
	c.fireDisconnect(nil)
	return nil
}

func (c *Client) teardown(closing chan struct{}) {
	if closing != nil {
		select {
		case <-closing:
		default:
			close(closing)
		}
	}
	c.mu.Lock()
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	c.mu.Unlock()
}

// Of returns the namespace handle for path, creating it on first reference
// and requesting the join when the connection is open. Join is idempotent.
func (c *Client) Of(path string) *Namespace {
	n := c.nss.get(path)
	if c.State() == StateOpen && !n.Joined() && n.requestJoin() {
		if err := c.sendConnect(n); err != nil {
			logs.Warnf("sio: namespace %s connect: %v", n.Path(), err)
		}
	}
	return n
}

// Leave departs a namespace: a disconnect packet is sent and the local state
// is discarded.
func (c *Client) Leave(path string) error {
	if _, ok := c.nss.lookup(path); !ok {
		return nil
	}
	c.nss.remove(path)
	if c.State() != StateOpen {
		return nil
	}
	return c.sendPacket(&Packet{Type: PacketTypeDisconnect, Namespace: normalizePath(path)})
}

// On registers an event handler on the root namespace.
func (c *Client) On(event string, fn interface{}) {
	c.nss.get("/").On(event, fn)
}

// Emit sends an event on the root namespace. A trailing func argument
// registers an acknowledgment callback invoked with the peer's reply.
func (c *Client) Emit(event string, args ...interface{}) error {
	return c.emit("/", event, args...)
}

// EmitWithAck sends an event on the root namespace and waits for the peer's
// acknowledgment, the configured ack timeout, or ctx cancellation, whichever
// comes first. Cancelling removes the pending entry without touching the
// connection.
func (c *Client) EmitWithAck(ctx context.Context, event string, args ...interface{}) (Ack, error) {
	return c.emitWithAck(ctx, "/", event, args...)
}

// Emit sends an event on this namespace; see Client.Emit.
func (n *Namespace) Emit(event string, args ...interface{}) error {
	return n.client.emit(n.path, event, args...)
}

// EmitWithAck sends an event on this namespace; see Client.EmitWithAck.
func (n *Namespace) EmitWithAck(ctx context.Context, event string, args ...interface{}) (Ack, error) {
	return n.client.emitWithAck(ctx, n.path, event, args...)
}

func (c *Client) emit(path, event string, args ...interface{}) error {
	if c.State() != StateOpen {
		return ErrDisconnected
	}
	pkt := &Packet{Type: PacketTypeEvent, Namespace: path}
	data := []interface{}{event}
	c.mu.Lock()
	dec := c.dec
	c.mu.Unlock()
	for i := range args {
		if isFunc(args[i]) {
			id := c.acks.RegisterFunc(args[i], dec, c.opts.AckTimeout)
			pkt.ID = newid(id)
		} else {
			data = append(data, args[i])
		}
	}
	pkt.Data = data
	if err := c.sendPacket(pkt); err != nil {
		if pkt.ID != nil {
			c.acks.Cancel(*pkt.ID)
		}
		return err
	}
	return nil
}

func (c *Client) emitWithAck(ctx context.Context, path, event string, args ...interface{}) (Ack, error) {
	if c.State() != StateOpen {
		return Ack{}, ErrDisconnected
	}
	id, ch := c.acks.Register(c.opts.AckTimeout)
	pkt := &Packet{Type: PacketTypeEvent, Namespace: path, ID: newid(id)}
	pkt.Data = append([]interface{}{event}, args...)
	if err := c.sendPacket(pkt); err != nil {
		c.acks.Cancel(id)
		return Ack{}, err
	}
	select {
	case <-ctx.Done():
		c.acks.Cancel(id)
		return Ack{}, ctx.Err()
	case ack := <-ch:
		return ack, ack.Err
	}
}

func (c *Client) sendPacket(p *Packet) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrDisconnected
	}
	return c.sendPacketOn(sess, p)
}

// sendPacketOn encodes and writes a packet: one text frame followed by its
// binary attachments, contiguous on the wire.
func (c *Client) sendPacketOn(sess *engine.Session, p *Packet) error {
	frame, attachments, err := c.encoder.Encode(p)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(frame) > 0 {
		if err = sess.Send(frame, false); err != nil {
			return err
		}
	}
	for _, b := range attachments {
		if err = sess.Send(b, true); err != nil {
			return err
		}
	}
	return nil
}

func isFunc(v interface{}) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Func
}
