// Package peer implements a single outbound BitTorrent peer connection: the
// handshake, the framed read loop, and the four-boolean choke/interest state
// machine.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anteii/leech/internal/bitfield"
	"github.com/anteii/leech/internal/config"
	"github.com/anteii/leech/internal/piece"
	"github.com/anteii/leech/internal/protocol"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Session is a single live connection to a remote peer. Identity is its
// dialed address.
type Session struct {
	log  *slog.Logger
	cfg  *config.Config
	conn net.Conn
	addr netip.AddrPort
	sink piece.Sink

	state uint32

	bfMu     sync.RWMutex
	bitfield bitfield.Bitfield

	lastSendAt atomic.Int64

	framer protocol.Framer

	closeOnce sync.Once
}

// Opts configures a new Session.
type Opts struct {
	Config     *config.Config
	Log        *slog.Logger
	PieceCount int
	InfoHash   [sha1.Size]byte
	Sink       piece.Sink
}

// Dial connects to addr, performs the handshake, and returns a ready
// Session. The caller must call Run to begin servicing the connection.
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer", "addr", addr)

	dialer := net.Dialer{Timeout: opts.Config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.Config.ClientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	s := &Session{
		log:      log,
		cfg:      opts.Config,
		conn:     conn,
		addr:     addr,
		sink:     opts.Sink,
		bitfield: bitfield.New(opts.PieceCount),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	s.lastSendAt.Store(0)

	return s, nil
}

// Addr returns the peer's identity.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// Close shuts down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Run blocks, reading and dispatching frames until the connection fails or
// ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	readBuf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		n, err := s.conn.Read(readBuf)
		if n > 0 {
			s.framer.Feed(readBuf[:n])
			for {
				msg, ok := s.framer.Next()
				if !ok {
					break
				}
				if herr := s.handleMessage(msg); herr != nil {
					return herr
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("peer: read %s: %w", s.addr, err)
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)

	case protocol.Interested:
		s.setState(maskPeerInterested, true)
		if s.AmChoking() {
			return s.Send(protocol.MessageUnchoke())
		}

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("peer: malformed Have from %s", s.addr)
		}
		s.bfMu.Lock()
		s.bitfield.Set(int(index))
		s.bfMu.Unlock()
		return s.maybeSendInterested()

	case protocol.Bitfield:
		s.bfMu.Lock()
		s.bitfield = bitfield.FromBytes(msg.Payload)
		s.bfMu.Unlock()
		return s.maybeSendInterested()

	case protocol.Request:
		// Seeding is not driven in this client: we never honor an
		// inbound Request.
		s.log.Debug("ignoring inbound Request", "addr", s.addr)

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("peer: malformed Piece from %s", s.addr)
		}
		if err := s.sink.HandleBlock(int(index), int(begin), block); err != nil {
			return err
		}

	case protocol.Cancel:
		s.log.Debug("received Cancel", "addr", s.addr)

	case protocol.Port:
		s.log.Debug("received Port", "addr", s.addr)

	default:
		return fmt.Errorf("peer: unknown message id %d from %s", msg.ID, s.addr)
	}

	return nil
}

// maybeSendInterested sends Interested after a Bitfield or Have while we are
// still choking the peer and not yet interested. It does not check whether
// the peer has a piece we still lack.
func (s *Session) maybeSendInterested() error {
	if !s.AmChoking() || s.AmInterested() {
		return nil
	}
	if err := s.Send(protocol.MessageInterested()); err != nil {
		return err
	}
	s.setState(maskAmInterested, true)
	return nil
}

// Send performs a single blocking write of msg to the peer.
func (s *Session) Send(msg *protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		return fmt.Errorf("peer: write %s: %w", s.addr, err)
	}
	s.lastSendAt.Store(time.Now().UnixNano())
	return nil
}

// SendRequest issues a Request for (piece, begin, length) and records the
// send time used by IsReady's spacing gate.
func (s *Session) SendRequest(index, begin, length int) error {
	return s.Send(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

// SendBitfield announces our own completed pieces.
func (s *Session) SendBitfield(bf bitfield.Bitfield) error {
	return s.Send(protocol.MessageBitfield(bf.Bytes()))
}

// IsReady implements the scheduler's per-peer, per-piece eligibility gate:
// the last send was over the configured spacing ago, the peer is not
// choking us, we are interested, and the peer's bitfield has the piece.
func (s *Session) IsReady(pieceIndex int) bool {
	last := time.Unix(0, s.lastSendAt.Load())
	if time.Since(last) <= s.cfg.RequestSpacing {
		return false
	}
	if s.PeerChoking() || !s.AmInterested() {
		return false
	}

	s.bfMu.RLock()
	defer s.bfMu.RUnlock()
	return s.bitfield.Has(pieceIndex)
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old | mask
		if !on {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}
