package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/install"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/utils"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClient() *utils.LodeHTTPClient {
	return utils.NewLodeHTTPClient(utils.HTTPClientConfig{
		Timeout:   3 * time.Minute,
		KATimeout: 90 * time.Second,
	})
}

// titleContext bundles everything a per-title command needs.
type titleContext struct {
	cfg      *config.Config
	title    *config.Title
	cache    *chunks.Cache
	client   *utils.LodeHTTPClient
	governor *install.Governor
	pub      *progress.Publisher
}

func openTitle(id string) (*titleContext, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	title, err := cfg.FindTitle(id)
	if err != nil {
		return nil, err
	}
	cache, err := chunks.OpenCache(cfg.TitleCacheDir(id))
	if err != nil {
		return nil, err
	}
	globalCap, _ := config.ParseSize(cfg.GlobalSpeedCap)
	return &titleContext{
		cfg:      cfg,
		title:    title,
		cache:    cache,
		client:   newClient(),
		governor: install.NewGovernor(cfg.MaxConnections, globalCap),
		pub:      progress.NewPublisher(),
	}, nil
}

func (tc *titleContext) close() {
	tc.pub.Close()
	tc.cache.Close()
}

// interruptContext cancels on the first Ctrl-C and force-exits on the second.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		output.PrintWarning("Interrupted, stopping (press Ctrl-C again to force quit)")
		cancel()
		<-sigCh
		os.Exit(1)
	}()
	return ctx, cancel
}

// watchProgress renders snapshots on a single rewritten terminal line until
// the publisher closes or a terminal state arrives.
func watchProgress(pub *progress.Publisher) chan struct{} {
	done := make(chan struct{})
	sub := pub.Subscribe()
	go func() {
		defer close(done)
		for snap := range sub {
			fmt.Print("\r\033[K" + renderSnapshot(snap))
			if snap.State.Terminal() {
				fmt.Println()
				return
			}
		}
		fmt.Println()
	}()
	return done
}

func renderSnapshot(snap progress.Snapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %-14s", snap.Title, snap.State.String()))
	switch {
	case snap.BytesTotal > 0:
		b.WriteString(" " + output.ProgressBar(snap.BytesDone, snap.BytesTotal, 24))
		b.WriteString(fmt.Sprintf(" %s/%s", utils.FormatBytes(uint64(snap.BytesDone)), utils.FormatBytes(uint64(snap.BytesTotal))))
		if snap.Speed > 0 {
			b.WriteString(" " + utils.FormatSpeed(int64(snap.Speed), 1))
			b.WriteString(" ETA " + utils.FormatETA(snap.BytesTotal-snap.BytesDone, snap.Speed))
		}
	case snap.FilesTotal > 0:
		b.WriteString(" " + output.ProgressBar(int64(snap.FilesDone), int64(snap.FilesTotal), 24))
		b.WriteString(fmt.Sprintf(" %d/%d files", snap.FilesDone, snap.FilesTotal))
		if snap.BrokenFiles > 0 {
			b.WriteString(fmt.Sprintf(" (%d broken)", snap.BrokenFiles))
		}
	}
	if snap.Current != "" {
		b.WriteString(" " + snap.Current)
	}
	return b.String()
}
