package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/origin"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/utils"
)

// PreloadBranch selects the pre-release manifest on the chunk API.
const PreloadBranch = "predownload"

// Preload downloads everything a pending release needs without touching
// the live install. Payloads land in the chunk cache or the staging area,
// so Apply after release day is a local operation plus the swap.
func (o *Orchestrator) Preload(ctx context.Context) error {
	log := output.GetLogger("update").With().Str("title", o.Title.ID).Logger()
	o.publish(StateCheckingVersion, nil)
	info, err := origin.FetchInfo(ctx, o.Client, o.Title.InfoURL())
	if err != nil {
		o.publish(StateFailed, err)
		return err
	}
	if info.PreDownload == nil {
		err := fmt.Errorf("no preload is available for %s", o.Title.ID)
		o.publish(StateFailed, err)
		return err
	}
	pre := *info.PreDownload
	o.publish(StatePreloadAvailable, nil)
	log.Info().Str("version", pre.Version).Msg("Preloading pending release")

	if o.Title.ManifestFormat == config.ManifestFormatChunked {
		err = o.preloadChunked(ctx)
	} else {
		err = o.preloadLegacy(ctx, pre)
	}
	if err != nil {
		o.publish(StateFailed, err)
		return err
	}
	o.publish(StateCompleted, nil)
	return nil
}

func (o *Orchestrator) preloadChunked(ctx context.Context) error {
	preMan, err := manifest.FetchManifest(ctx, o.Client, o.Title.ManifestURL(), PreloadBranch, config.ManifestFormatChunked)
	if err != nil {
		return err
	}
	oldMan, err := o.Cache.InstalledManifest()
	if err != nil {
		return err
	}
	plan := manifest.Diff(oldMan, preMan)
	o.publish(StateDownloadingPatch, nil)
	fetcher := &chunks.Fetcher{Client: o.Client, Cache: o.Cache, Limiter: o.Limiter}
	return fetcher.FetchChunks(ctx, plan.ChunksToFetch, func(done, total int, bytes int64) {
		o.publishProgress(progress.StateDownloading, done, total, bytes)
	})
}

func (o *Orchestrator) preloadLegacy(ctx context.Context, pre origin.Release) error {
	installed, err := o.installedVersion()
	if err != nil {
		return err
	}
	pkg := pre.Main
	state := StateDownloadingFull
	if patch := pre.FindPatch(installed); patch != nil {
		pkg = patch.Package
		state = StateDownloadingPatch
	}
	staging := o.stagingDir(pre.Version)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}
	o.publish(state, nil)
	archivePath := filepath.Join(staging, filepath.Base(pkg.URL))
	if ok, err := stagedArchiveReady(archivePath, pkg); err != nil {
		return err
	} else if ok {
		return nil
	}
	return o.download(ctx, pkg, archivePath)
}

// Apply finishes a preloaded update once the release is live. It is the
// regular update path; preloaded payloads make the download phases no-ops.
func (o *Orchestrator) Apply(ctx context.Context) error {
	return o.Run(ctx)
}

// stagedArchiveReady reports whether a previously downloaded package
// archive is complete and intact.
func stagedArchiveReady(path string, pkg origin.Package) (bool, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pkg.Size > 0 && fi.Size() != pkg.Size {
		return false, nil
	}
	if pkg.MD5 == "" {
		return true, nil
	}
	hash, err := utils.HashFile(path)
	if err != nil {
		return false, err
	}
	return utils.NormalizeHex(hash) == utils.NormalizeHex(pkg.MD5), nil
}
