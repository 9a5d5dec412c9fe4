// Package app implements the top-level scheduler loop: it pairs empty
// blocks with ready peers, emits Request messages, and reports progress.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/anteii/leech/internal/block"
	"github.com/anteii/leech/internal/config"
	"github.com/anteii/leech/internal/events"
	"github.com/anteii/leech/internal/piece"
	"github.com/anteii/leech/internal/pool"
)

// Pieces is the subset of piece.Manager the loop depends on.
type Pieces interface {
	NumPieces() int
	Has(index int) bool
	GetEmptyBlock(index int) *block.Block
	ExpireLeases(lease time.Duration)
	IsComplete() bool
	BytesCompleted() int64
	OnSubscribeCompleted(fn func(events.PieceCompleted))
}

// Loop runs the scheduler: pairing empty blocks to ready peers and emitting
// request messages, plus a periodic progress log.
type Loop struct {
	log    *slog.Logger
	cfg    *config.Config
	pieces Pieces
	peers  *pool.Pool
}

// New returns a Loop over pieces and peers.
func New(cfg *config.Config, pieces Pieces, peers *pool.Pool, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:    log.With("component", "app-loop"),
		cfg:    cfg,
		pieces: pieces,
		peers:  peers,
	}
}

// Run drives the loop to completion or until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	var lastLogged int64 = -1
	l.pieces.OnSubscribeCompleted(func(e events.PieceCompleted) {
		l.log.Debug("piece verified", "piece", e.Index, "size", e.Size)
	})

	for !l.pieces.IsComplete() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !l.peers.HasUnchokedPeers() {
			if !sleepOrDone(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		l.scheduleOnePass()

		if completed := l.pieces.BytesCompleted(); completed != lastLogged {
			l.log.Info("progress", "bytes_completed", completed)
			lastLogged = completed
		}

		if !sleepOrDone(ctx, l.cfg.SchedulerTick) {
			return ctx.Err()
		}
	}

	return nil
}

// scheduleOnePass walks every piece index-ascending, pairing each
// still-wanted piece with a uniformly random ready peer and its first FREE
// block, per the tie-break rules: piece order ascending, peer choice
// random among ready, block choice ascending-first-FREE-wins. The lease
// reaper runs before the block pick, so a piece whose every block sits in
// an expired PENDING lease is reclaimed rather than skipped.
func (l *Loop) scheduleOnePass() {
	for idx := 0; idx < l.pieces.NumPieces(); idx++ {
		if l.pieces.Has(idx) {
			continue
		}

		peer := l.peers.GetRandomPeerHavingPiece(idx)
		if peer == nil {
			continue
		}

		l.pieces.ExpireLeases(l.cfg.BlockLease)

		blk := l.pieces.GetEmptyBlock(idx)
		if blk == nil {
			continue
		}

		if err := peer.SendRequest(blk.Piece, blk.Offset, blk.Length); err != nil {
			l.log.Warn("request failed", "addr", peer.Addr(), "piece", idx, "error", err.Error())
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Pieces = (*piece.Manager)(nil)
