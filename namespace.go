package sio

import (
	"sync"

	"github.com/yanun0323/logs"
)

// defaultNamespaceBuffer bounds how many events a not-yet-joined namespace
// will hold back. Past the bound events are dropped with a warning, so a
// server that never acknowledges the join cannot grow the buffer unbounded.
const defaultNamespaceBuffer = 32

// Namespace is one logical channel multiplexed over the connection. Events
// are delivered to its handlers only after the peer acknowledged the join
// with a connect packet.
type Namespace struct {
	path   string
	client *Client
	*eventHandlers

	mu        sync.Mutex
	joined    bool
	requested bool
	pending   []*Packet
	bound     int
}

// Path returns the namespace path, always '/'-prefixed.
func (n *Namespace) Path() string { return n.path }

// Joined reports whether the peer has acknowledged the join.
func (n *Namespace) Joined() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined
}

// hold buffers an inbound event while the join is pending, up to the bound.
func (n *Namespace) hold(p *Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) >= n.bound {
		logs.Warnf("sio: namespace %s dropping event, %d buffered and join still pending", n.path, len(n.pending))
		return
	}
	n.pending = append(n.pending, p)
}

// join marks the namespace joined and returns the events buffered while the
// join was pending, in arrival order.
func (n *Namespace) join() []*Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = true
	pending := n.pending
	n.pending = nil
	return pending
}

// requestJoin records that a connect packet is being issued. It reports false
// when a join request is already in flight or acknowledged, making Join
// idempotent.
func (n *Namespace) requestJoin() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.requested || n.joined {
		return false
	}
	n.requested = true
	return true
}

// suspend drops the namespace back to the pending state, e.g. when the
// connection leaves the open state. Buffered events are discarded.
func (n *Namespace) suspend() {
	n.mu.Lock()
	n.joined = false
	n.requested = false
	n.pending = nil
	n.mu.Unlock()
}

// nsRegistry maps namespace paths to live namespace state.
type nsRegistry struct {
	client *Client
	mu     sync.Mutex
	m      map[string]*Namespace
	bound  int
}

func newNsRegistry(client *Client, bound int) *nsRegistry {
	if bound <= 0 {
		bound = defaultNamespaceBuffer
	}
	return &nsRegistry{client: client, m: make(map[string]*Namespace), bound: bound}
}

// get returns the namespace for path, creating it on first reference.
// Repeated calls return the same handle.
func (r *nsRegistry) get(path string) *Namespace {
	path = normalizePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.m[path]; ok {
		return n
	}
	n := &Namespace{path: path, client: r.client, eventHandlers: newEventHandlers(), bound: r.bound}
	r.m[path] = n
	return n
}

// lookup returns the namespace for path without creating it.
func (r *nsRegistry) lookup(path string) (*Namespace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.m[normalizePath(path)]
	return n, ok
}

// remove drops the namespace on client-initiated leave.
func (r *nsRegistry) remove(path string) {
	r.mu.Lock()
	delete(r.m, normalizePath(path))
	r.mu.Unlock()
}

// all returns every known namespace.
func (r *nsRegistry) all() []*Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Namespace, 0, len(r.m))
	for _, n := range r.m {
		out = append(out, n)
	}
	return out
}

// suspendAll drops every namespace to the pending state.
func (r *nsRegistry) suspendAll() {
	for _, n := range r.all() {
		n.suspend()
	}
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
