// Command torrentcore is a minimal CLI orchestrator that exercises the
// core library end to end: it parses a .torrent file, announces to its
// trackers, and dials the peers they return, printing live swarm stats
// until interrupted. It owns none of the protocol logic itself — piece
// selection, request pipelining and on-disk storage are left to a real
// client built on top of this package, per the core's scope.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/fenwick-labs/torrentcore/internal/metainfo"
	"github.com/fenwick-labs/torrentcore/internal/peer"
	"github.com/fenwick-labs/torrentcore/internal/torrentid"
	"github.com/fenwick-labs/torrentcore/internal/tracker"
	"github.com/fenwick-labs/torrentcore/pkg/logging"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	port := flag.Uint("port", 6881, "TCP port to advertise to trackers")
	flag.Parse()

	setupLogger()

	if *torrentPath == "" {
		slog.Error("missing required -torrent flag")
		os.Exit(1)
	}

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("read torrent file", slog.String("path", *torrentPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		slog.Error("parse torrent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	peerID, err := torrentid.Generate("TC", [4]byte{'0', '0', '0', '1'})
	if err != nil {
		slog.Error("generate peer id", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("loaded torrent",
		slog.String("name", mi.Info.Name),
		slog.String("info_hash", hex.EncodeToString(mi.Info.Hash[:])),
		slog.String("size", humanize.Bytes(mi.Size)),
		slog.Int("pieces", len(mi.Info.Pieces)),
		slog.Int("trackers", len(mi.AnnounceURLs)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peerManager := peer.NewManager(mi.Info.Hash, peerID, len(mi.Info.Pieces), nil)
	peerManager.Start(ctx)
	defer peerManager.Stop()

	trackerManager := tracker.NewManager(mi.AnnounceURLs, tracker.Identity{
		InfoHash: mi.Info.Hash,
		PeerID:   peerID,
		Port:     uint16(*port),
		Left:     mi.Size,
	}, nil)
	trackerManager.SetOnPeers(func(from string, peers []*tracker.Peer) {
		slog.Debug("tracker returned peers", slog.String("tracker", from), slog.Int("count", len(peers)))
		peerManager.Enqueue(peers)
	})

	go func() {
		if err := trackerManager.Start(ctx); err != nil {
			slog.Warn("tracker manager stopped", slog.String("error", err.Error()))
		}
	}()

	reportSwarmProgress(ctx, mi, peerManager)
}

// reportSwarmProgress renders a live peer-count bar until ctx is canceled.
// It is a demonstration of driving the core from outside, not part of it:
// a real client would drive this from its piece scheduler's progress
// instead of session count alone.
func reportSwarmProgress(ctx context.Context, mi *metainfo.Metainfo, peerManager *peer.Manager) {
	bar := progressbar.NewOptions(len(mi.Info.Pieces),
		progressbar.OptionSetDescription("connected peers"),
		progressbar.OptionSetItsString("peers"),
	)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
			_ = bar.Set(peerManager.Count())
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	handler := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(handler))
}
