// Package pool keeps the set of live peer sessions for one download and
// answers the scheduler's questions about which of them can service a
// request right now.
package pool

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Session is the subset of peer.Session the pool depends on. A narrow
// interface here keeps pool free of a direct import cycle with peer and
// lets tests substitute a fake.
type Session interface {
	Addr() netip.AddrPort
	IsReady(pieceIndex int) bool
	PeerChoking() bool
	AmInterested() bool
	SendRequest(index, begin, length int) error
	Run(ctx context.Context) error
	Close() error
}

// Pool tracks every connected peer session for a single torrent.
type Pool struct {
	log *slog.Logger

	mu    sync.RWMutex
	peers map[netip.AddrPort]Session

	eg errgroup.Group
}

// New returns an empty Pool.
func New(log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:   log.With("component", "pool"),
		peers: make(map[netip.AddrPort]Session),
	}
}

// AddPeers registers sessions and starts one goroutine per session, managed
// by an errgroup.Group, that blocks in Run (itself blocked in conn.Read with
// a bounded deadline) servicing inbound frames until the connection fails.
// This realizes the "one event loop per socket" model without a
// select(2)-style multiplexer; the errgroup gives the pool a single Wait
// that drains once every peer goroutine it ever started has returned.
func (p *Pool) AddPeers(ctx context.Context, sessions []Session) {
	for _, s := range sessions {
		s := s
		p.mu.Lock()
		if _, dup := p.peers[s.Addr()]; dup {
			p.mu.Unlock()
			s.Close()
			continue
		}
		p.peers[s.Addr()] = s
		p.mu.Unlock()

		p.eg.Go(func() error {
			defer p.RemovePeer(s.Addr())
			if err := s.Run(ctx); err != nil {
				p.log.Debug("peer session ended", "addr", s.Addr(), "error", err.Error())
			}
			return nil
		})
	}
}

// Wait blocks until every peer goroutine started by AddPeers has returned.
// Callers typically cancel the context passed to AddPeers first, so sessions
// unwind promptly instead of running until their next read deadline.
func (p *Pool) Wait() error {
	return p.eg.Wait()
}

// RemovePeer drops and closes the session for addr, if present.
func (p *Pool) RemovePeer(addr netip.AddrPort) {
	p.mu.Lock()
	s, ok := p.peers[addr]
	if ok {
		delete(p.peers, addr)
	}
	p.mu.Unlock()

	if ok {
		s.Close()
	}
}

// HasUnchokedPeers reports whether at least one connected peer is not
// choking us.
func (p *Pool) HasUnchokedPeers() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.peers {
		if !s.PeerChoking() {
			return true
		}
	}
	return false
}

// UnchokedPeersCount returns the number of connected peers not choking us.
func (p *Pool) UnchokedPeersCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, s := range p.peers {
		if !s.PeerChoking() {
			n++
		}
	}
	return n
}

// Count returns the number of connected peers.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// GetRandomPeerHavingPiece returns a uniformly random peer session that is
// currently ready to be asked for pieceIndex, or nil if none are.
func (p *Pool) GetRandomPeerHavingPiece(pieceIndex int) Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ready []Session
	for _, s := range p.peers {
		if s.IsReady(pieceIndex) {
			ready = append(ready, s)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	return ready[rand.Intn(len(ready))]
}
