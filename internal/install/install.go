// Package install performs first-time installation of a title: package
// info lookup, archive or chunk download, extraction, whole-tree
// verification, and cleanup. A process-wide governor shares connection
// slots and bandwidth between concurrent operations.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stovon/lodestone/internal/archive"
	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/origin"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/transfer"
	"github.com/stovon/lodestone/internal/utils"
	"github.com/stovon/lodestone/internal/verify"
)

type Installer struct {
	Title     *config.Title
	Client    *utils.LodeHTTPClient
	Cache     *chunks.Cache
	Publisher *progress.Publisher
	Governor  *Governor
	CacheDir  string
	// Locales lists the voice packs to install alongside the main package.
	Locales []string

	mu      sync.Mutex
	current *transfer.Session
	cancel  context.CancelFunc
}

// Run installs the title from scratch into its configured install root.
func (ins *Installer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ins.mu.Lock()
	ins.cancel = cancel
	ins.mu.Unlock()
	defer cancel()

	log := output.GetLogger("install").With().Str("title", ins.Title.ID).Logger()
	ins.publish(progress.StatePending, "fetching package info", nil)
	info, err := origin.FetchInfo(ctx, ins.Client, ins.Title.InfoURL())
	if err != nil {
		ins.publish(progress.StateFailed, "", err)
		return err
	}
	log.Info().Str("version", info.Latest.Version).Msg("Installing")

	if ins.Title.ManifestFormat == config.ManifestFormatChunked {
		err = ins.installChunked(ctx, info.Latest)
	} else {
		err = ins.installArchives(ctx, info.Latest)
	}
	if err != nil {
		ins.publish(progress.StateFailed, "", err)
		return err
	}
	ins.publish(progress.StateCompleted, "", nil)
	return nil
}

// installArchives downloads the main package plus any requested voice
// packs, extracts them into the install root, and verifies the resulting
// tree against the publisher's manifest.
func (ins *Installer) installArchives(ctx context.Context, release origin.Release) error {
	pkgs := []origin.Package{release.Main}
	for _, locale := range ins.Locales {
		vp := release.FindVoicePack(locale)
		if vp == nil {
			return fmt.Errorf("no %s voice pack exists for %s", locale, ins.Title.ID)
		}
		pkgs = append(pkgs, vp.Package)
	}

	staging := filepath.Join(ins.CacheDir, "install", release.Version)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}
	var archivePaths []string
	for _, pkg := range pkgs {
		dest := filepath.Join(staging, filepath.Base(pkg.URL))
		if err := ins.download(ctx, pkg, dest); err != nil {
			return err
		}
		archivePaths = append(archivePaths, dest)
	}

	ins.publish(progress.StateExtracting, "", nil)
	for _, path := range archivePaths {
		if err := archive.ExtractAll(ctx, path, ins.Title.InstallRoot); err != nil {
			return err
		}
	}

	man, err := manifest.FetchManifest(ctx, ins.Client, ins.Title.ManifestURL(), ins.Title.Branch, config.ManifestFormatLegacy)
	if err != nil {
		return err
	}
	man.Version = release.Version
	if err := ins.verifyInstalled(ctx, man); err != nil {
		return err
	}
	if err := ins.Cache.SaveInstalledManifest(man); err != nil {
		return err
	}
	return os.RemoveAll(staging)
}

// installChunked builds every file in the manifest directly from the
// chunk store.
func (ins *Installer) installChunked(ctx context.Context, release origin.Release) error {
	man, err := manifest.FetchManifest(ctx, ins.Client, ins.Title.ManifestURL(), ins.Title.Branch, config.ManifestFormatChunked)
	if err != nil {
		return err
	}
	if man.Version == "" {
		man.Version = release.Version
	}

	plan := manifest.Diff(nil, man)
	ins.publish(progress.StateDownloading, "", nil)
	granted, releaseSlots, err := ins.Governor.Reserve(ctx, chunks.DefaultChunkConcurrency)
	if err != nil {
		return err
	}
	defer releaseSlots()
	fetcher := &chunks.Fetcher{
		Client:      ins.Client,
		Cache:       ins.Cache,
		Concurrency: granted,
		Limiter:     ins.Governor.LimiterFor(ins.Title.SpeedCapBytes()),
	}
	err = fetcher.FetchChunks(ctx, plan.ChunksToFetch, func(done, total int, bytes int64) {
		ins.publishCounts(progress.StateDownloading, done, total, bytes)
	})
	if err != nil {
		return err
	}

	rec := &chunks.Reconstructor{Cache: ins.Cache, Fetcher: fetcher}
	for i, entry := range man.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(ins.Title.InstallRoot, filepath.FromSlash(entry.Path))
		if err := rec.ReconstructFile(ctx, target, entry); err != nil {
			return err
		}
		ins.publishCounts(progress.StateExtracting, i+1, len(man.Files), 0)
	}

	if err := ins.verifyInstalled(ctx, man); err != nil {
		return err
	}
	return ins.Cache.SaveInstalledManifest(man)
}

func (ins *Installer) verifyInstalled(ctx context.Context, man *manifest.Manifest) error {
	ins.publish(progress.StateVerifying, "", nil)
	v := &verify.Verifier{}
	results, err := v.VerifyTree(ctx, ins.Title.InstallRoot, man, func(done, total int) {
		ins.publishCounts(progress.StateVerifying, done, total, 0)
	})
	if err != nil {
		return err
	}
	if broken := verify.Broken(results); len(broken) > 0 {
		return fmt.Errorf("%d files failed verification after install: %w", len(broken), verify.Summarize(broken))
	}
	return nil
}

func (ins *Installer) download(ctx context.Context, pkg origin.Package, dest string) error {
	granted, releaseSlots, err := ins.Governor.Reserve(ctx, ins.Title.Connections)
	if err != nil {
		return err
	}
	defer releaseSlots()
	session, err := transfer.Start(ctx, transfer.Request{
		URL:         pkg.URL,
		Destination: dest,
		Segments:    granted,
		ExpectedMD5: pkg.MD5,
		Title:       ins.Title.ID,
		Client:      ins.Client,
		Limiter:     ins.Governor.LimiterFor(ins.Title.SpeedCapBytes()),
		Publisher:   ins.Publisher,
	})
	if err != nil {
		return err
	}
	ins.mu.Lock()
	ins.current = session
	ins.mu.Unlock()
	err = session.Wait()
	ins.mu.Lock()
	ins.current = nil
	ins.mu.Unlock()
	return err
}

// Pause suspends the in-flight transfer, if any. Non-transfer phases run
// to completion on their own.
func (ins *Installer) Pause() {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.current != nil {
		ins.current.Pause()
	}
}

func (ins *Installer) Resume() {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.current != nil {
		ins.current.Resume()
	}
}

func (ins *Installer) Cancel(keepPartial bool) {
	ins.mu.Lock()
	current := ins.current
	cancel := ins.cancel
	ins.mu.Unlock()
	if current != nil {
		current.Cancel(keepPartial)
	}
	if cancel != nil {
		cancel()
	}
}

func (ins *Installer) publish(state progress.State, current string, err error) {
	if ins.Publisher == nil {
		return
	}
	ins.Publisher.Publish(progress.Snapshot{
		Title:   ins.Title.ID,
		Op:      progress.OpInstall,
		State:   state,
		Current: current,
		Err:     err,
	})
}

func (ins *Installer) publishCounts(state progress.State, done, total int, bytes int64) {
	if ins.Publisher == nil {
		return
	}
	ins.Publisher.Publish(progress.Snapshot{
		Title:      ins.Title.ID,
		Op:         progress.OpInstall,
		State:      state,
		FilesDone:  done,
		FilesTotal: total,
		BytesDone:  bytes,
	})
}
