package rtc

import (
	"sync"

	"github.com/dkeye/Meet/internal/core"
)

// emitter fans registry events out to any number of subscribers. It
// replaces single mutable callback fields so a second subscriber never
// silently overwrites the first.
type emitter struct {
	mu         sync.RWMutex
	streamSubs []func([]core.RemoteStream)
	connSubs   []func(core.ConnectionEvent)
}

func (e *emitter) onRemoteStreams(fn func([]core.RemoteStream)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamSubs = append(e.streamSubs, fn)
}

func (e *emitter) onConnectionState(fn func(core.ConnectionEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connSubs = append(e.connSubs, fn)
}

func (e *emitter) emitStreams(streams []core.RemoteStream) {
	e.mu.RLock()
	subs := append([]func([]core.RemoteStream){}, e.streamSubs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(streams)
	}
}

func (e *emitter) emitConnection(ev core.ConnectionEvent) {
	e.mu.RLock()
	subs := append([]func(core.ConnectionEvent){}, e.connSubs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
