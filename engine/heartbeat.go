package engine

import (
	"sync"
	"time"
)

// heartbeatMonitor watches ping/pong liveness. It arms a timer for
// pingInterval+pingTimeout; every observed ping or pong resets it. If the
// timer fires with no signal observed, the LivenessLost channel closes,
// exactly once.
type heartbeatMonitor struct {
	window time.Duration
	lost   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

func newHeartbeatMonitor(pingInterval, pingTimeout time.Duration) *heartbeatMonitor {
	h := &heartbeatMonitor{
		window: pingInterval + pingTimeout,
		lost:   make(chan struct{}),
	}
	h.timer = time.AfterFunc(h.window, h.expire)
	return h
}

func (h *heartbeatMonitor) expire() {
	h.once.Do(func() { close(h.lost) })
}

// Touch records a liveness signal, pushing the deadline out by one window.
func (h *heartbeatMonitor) Touch() {
	h.mu.Lock()
	h.timer.Reset(h.window)
	h.mu.Unlock()
}

// LivenessLost closes when no ping/pong arrived within the window.
func (h *heartbeatMonitor) LivenessLost() <-chan struct{} {
	return h.lost
}

// Stop disarms the monitor. A monitor that already expired stays expired.
func (h *heartbeatMonitor) Stop() {
	h.mu.Lock()
	h.timer.Stop()
	h.mu.Unlock()
}
