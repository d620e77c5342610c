package sio

import (
	"errors"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

var (
	// ErrAckTimeout resolves a pending acknowledgment whose deadline passed
	// before the peer replied. Local to that call; the connection is unaffected.
	ErrAckTimeout = errors.New("sio: ack timeout")
	// ErrDisconnected fails pending acknowledgments and emits when the
	// connection leaves the open state.
	ErrDisconnected = errors.New("sio: disconnected")
)

// Ack is the resolution of one pending acknowledgment.
type Ack struct {
	Data   []byte
	Buffer [][]byte
	Err    error
}

type ackEntry struct {
	ch    chan Ack
	fn    *callback
	au    ArgsUnmarshaler
	timer *time.Timer
}

// ackRegistry tracks outstanding acknowledgment ids. Ids increase
// monotonically per registry and are never reused, so a late reply can never
// resolve the wrong caller. Whichever of peer reply and timeout wins deletes
// the entry under the lock; the loser finds nothing and becomes a no-op.
type ackRegistry struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*ackEntry
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{entries: make(map[uint64]*ackEntry)}
}

// Register creates a pending entry resolved through the returned channel.
// A non-positive timeout leaves the entry pending until resolved or failed.
func (r *ackRegistry) Register(timeout time.Duration) (uint64, <-chan Ack) {
	e := &ackEntry{ch: make(chan Ack, 1)}
	id := r.add(e, timeout)
	return id, e.ch
}

// RegisterFunc creates a pending entry resolved by invoking fn with the
// reply payload.
func (r *ackRegistry) RegisterFunc(fn interface{}, au ArgsUnmarshaler, timeout time.Duration) uint64 {
	return r.add(&ackEntry{fn: mustCallback(fn), au: au}, timeout)
}

func (r *ackRegistry) add(e *ackEntry, timeout time.Duration) uint64 {
	r.mu.Lock()
	r.next++
	id := r.next
	r.entries[id] = e
	r.mu.Unlock()
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { r.expire(id) })
	}
	return id
}

// Resolve delivers a peer reply. An unknown id is expected under
// retransmission and is only logged.
func (r *ackRegistry) Resolve(id uint64, data []byte, buffer [][]byte) {
	e := r.take(id)
	if e == nil {
		logs.Debugf("sio: ack %d resolved late or twice, ignoring", id)
		return
	}
	e.deliver(Ack{Data: data, Buffer: buffer})
}

func (r *ackRegistry) expire(id uint64) {
	if e := r.take(id); e != nil {
		e.deliver(Ack{Err: ErrAckTimeout})
	}
}

// Cancel removes a pending entry without resolving it.
func (r *ackRegistry) Cancel(id uint64) {
	r.take(id)
}

// FailAll resolves every pending entry with err. Used when the connection
// leaves the open state.
func (r *ackRegistry) FailAll(err error) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[uint64]*ackEntry)
	r.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.deliver(Ack{Err: err})
	}
}

func (r *ackRegistry) take(id uint64) *ackEntry {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

// pending reports the number of outstanding entries.
func (r *ackRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (e *ackEntry) deliver(ack Ack) {
	if e.ch != nil {
		e.ch <- ack
		return
	}
	if e.fn == nil {
		return
	}
	if ack.Err != nil {
		logs.Debugf("sio: ack callback dropped: %v", ack.Err)
		return
	}
	if _, err := e.fn.Call(e.au, ack.Data, ack.Buffer); err != nil {
		logs.Warnf("sio: ack callback: %v", err)
	}
}
