package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/anteii/leech/internal/app"
	"github.com/anteii/leech/internal/config"
	"github.com/anteii/leech/internal/logging"
	"github.com/anteii/leech/internal/meta"
	"github.com/anteii/leech/internal/peer"
	"github.com/anteii/leech/internal/piece"
	"github.com/anteii/leech/internal/pool"
	"github.com/anteii/leech/internal/tracker"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		slog.Error("usage: leech <path-to-torrent>")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1]); err != nil {
		slog.Error("download failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, torrentPath string) error {
	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	mi, err := meta.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("metainfo: %w", err)
	}

	log := slog.Default().With("torrent", mi.Info.Name)

	pieces, err := piece.New(mi, cfg.DownloadDir, log)
	if err != nil {
		return fmt.Errorf("piece manager: %w", err)
	}

	peers, err := discoverPeers(ctx, cfg, mi, pieces)
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	if len(peers) == 0 {
		return fmt.Errorf("tracker returned no peers")
	}
	if len(peers) > cfg.MaxPeersTryConnect {
		peers = peers[:cfg.MaxPeersTryConnect]
	}

	peerPool := pool.New(log)

	dlCtx, dlCancel := context.WithCancel(ctx)
	defer dlCancel()

	var sessions []pool.Session
	for _, addr := range peers {
		if len(sessions) >= cfg.MaxPeersConnected {
			break
		}

		sess, err := peer.Dial(dlCtx, addr, &peer.Opts{
			Config:     cfg,
			Log:        log,
			PieceCount: pieces.NumPieces(),
			InfoHash:   mi.InfoHash,
			Sink:       pieces,
		})
		if err != nil {
			log.Debug("dial failed", "addr", addr, "error", err.Error())
			continue
		}
		if err := sess.SendBitfield(pieces.Bitfield()); err != nil {
			log.Debug("bitfield send failed", "addr", addr, "error", err.Error())
			sess.Close()
			continue
		}
		sessions = append(sessions, sess)
	}
	if len(sessions) == 0 {
		return fmt.Errorf("failed to connect to any peer")
	}

	peerPool.AddPeers(dlCtx, sessions)

	loop := app.New(cfg, pieces, peerPool, log)
	loopErr := loop.Run(dlCtx)

	dlCancel()
	peerPool.Wait()

	if loopErr != nil && ctx.Err() == nil {
		return fmt.Errorf("application loop: %w", loopErr)
	}

	log.Info("download complete", "bytes", pieces.BytesCompleted())
	return nil
}

// discoverPeers announces to the torrent's trackers in order, falling back
// to the next announce URL on failure (TrackerFailure: log, try next
// tracker URL), and returns the first successful response's peer list.
func discoverPeers(ctx context.Context, cfg *config.Config, mi *meta.Metainfo, pieces *piece.Manager) ([]netip.AddrPort, error) {
	params := tracker.AnnounceParams{
		InfoHash: mi.InfoHash,
		PeerID:   cfg.ClientID,
		Port:     cfg.ListenPort,
		Left:     uint64(mi.Size() - pieces.BytesCompleted()),
		NumWant:  cfg.NumWant,
		Event:    tracker.EventStarted,
	}

	var lastErr error
	for _, url := range announceURLs(mi) {
		client, err := tracker.NewClient(url, cfg.TrackerTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := client.Announce(ctx, params)
		if err != nil {
			slog.Default().Debug("tracker announce failed, trying next", "url", url, "error", err.Error())
			lastErr = err
			continue
		}
		return resp.Peers, nil
	}

	return nil, fmt.Errorf("no tracker answered: %w", lastErr)
}

// announceURLs flattens the primary announce URL and every announce-list
// tier into a single ordered, deduplicated candidate list.
func announceURLs(mi *meta.Metainfo) []string {
	seen := make(map[string]bool)
	var urls []string

	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	return urls
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, opts)
	slog.SetDefault(slog.New(h))
}
