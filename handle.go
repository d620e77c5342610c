package sio

import "sync"

// eventHandlers is a per-namespace table of event callbacks.
type eventHandlers struct {
	mu sync.RWMutex
	m  map[string]*callback
}

func newEventHandlers() *eventHandlers {
	return &eventHandlers{m: make(map[string]*callback)}
}

func (e *eventHandlers) On(event string, fn interface{}) {
	cb := mustCallback(fn)
	e.mu.Lock()
	e.m[event] = cb
	e.mu.Unlock()
}

func (e *eventHandlers) get(event string) (*callback, bool) {
	e.mu.RLock()
	cb, ok := e.m[event]
	e.mu.RUnlock()
	return cb, ok
}
