// Package session holds server-side peer bookkeeping (spec.md §3's "Peer
// session" record): one Peer per accepted substrate connection, tracking
// its engine instance, assembly buffer, and negotiated parameters.
package session

import (
	"strings"
	"sync"

	"github.com/rs/xid"

	"github.com/tarkalabs/reliabletransport/internal/cipher"
	"github.com/tarkalabs/reliabletransport/internal/transport"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

// Peer is one connected client's server-side session state.
type Peer struct {
	ID      xid.ID
	Address string

	mu                 sync.Mutex
	engine             *transport.Engine
	buffer             strings.Builder
	handshakeCompleted bool
	maxMessageSize     int
	mode               wire.OperationMode
	windowSize         int
	cipher             *cipher.Manager
}

// New creates a Peer for a freshly accepted connection, identified by
// address (e.g. the remote socket's String()).
func New(address string) *Peer {
	return &Peer{ID: xid.New(), Address: address}
}

// CompleteHandshake records the negotiated parameters and the engine
// instantiated for this peer, and marks the handshake done. Must be
// called exactly once, from the handler goroutine that validated the
// HANDSHAKE_REQ.
func (p *Peer) CompleteHandshake(engine *transport.Engine, maxMessageSize int, mode wire.OperationMode, windowSize int, cm *cipher.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = engine
	p.maxMessageSize = maxMessageSize
	p.mode = mode
	p.windowSize = windowSize
	p.cipher = cm
	p.handshakeCompleted = true
}

// HandshakeCompleted reports whether CompleteHandshake has run.
func (p *Peer) HandshakeCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshakeCompleted
}

// Engine returns the peer's transport engine, or nil before the handshake
// completes.
func (p *Peer) Engine() *transport.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine
}

// Cipher returns the peer's cipher manager, or nil if encryption was not
// negotiated.
func (p *Peer) Cipher() *cipher.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cipher
}

// Mode returns the peer's negotiated operation mode.
func (p *Peer) Mode() wire.OperationMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// WindowSize returns the peer's negotiated window size.
func (p *Peer) WindowSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windowSize
}

// AppendFragment appends a delivered DATA payload to the peer's
// in-progress message buffer. When isFinal, it returns the assembled
// message and resets the buffer for the next one; otherwise ok is false.
func (p *Peer) AppendFragment(payload string, isFinal bool) (message string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer.WriteString(payload)
	if !isFinal {
		return "", false
	}
	message = p.buffer.String()
	p.buffer.Reset()
	return message, true
}

// Close stops the peer's engine and destroys any held cipher key
// material. Safe to call once, on substrate disconnect.
func (p *Peer) Close() {
	p.mu.Lock()
	engine := p.engine
	cm := p.cipher
	p.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if cm != nil {
		cm.Destroy()
	}
}

// Registry tracks all currently connected peers, for the server's
// "clients" REPL command and for broadcast-style operator actions.
type Registry struct {
	mu    sync.Mutex
	peers map[xid.ID]*Peer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[xid.ID]*Peer)}
}

// Add registers p.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

// Remove unregisters the peer with the given ID.
func (r *Registry) Remove(id xid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// List returns a snapshot of currently registered peers.
func (r *Registry) List() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Len reports the number of currently registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
