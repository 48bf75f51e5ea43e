// Package update decides between the delta-patch and full-package paths and
// drives an update end to end. All new bytes are staged and verified before
// anything is swapped into the live install, so a failure at any step
// leaves the prior installation untouched.
package update

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goversion "github.com/hashicorp/go-version"

	"github.com/stovon/lodestone/internal/archive"
	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/origin"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/ratelimit"
	"github.com/stovon/lodestone/internal/transfer"
	"github.com/stovon/lodestone/internal/utils"
)

type State int

const (
	StateCheckingVersion State = iota
	StateUpToDate
	StateNeedsUpdate
	StatePreloadAvailable
	StateDownloadingPatch
	StateDownloadingFull
	StateApplyingPatch
	StateExtracting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCheckingVersion:
		return "checking-version"
	case StateUpToDate:
		return "up-to-date"
	case StateNeedsUpdate:
		return "needs-update"
	case StatePreloadAvailable:
		return "preload-available"
	case StateDownloadingPatch:
		return "downloading-patch"
	case StateDownloadingFull:
		return "downloading-full"
	case StateApplyingPatch:
		return "applying-patch"
	case StateExtracting:
		return "extracting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Action int

const (
	ActionUpToDate Action = iota
	ActionPatch
	ActionFull
)

// Decision is the outcome of a version check.
type Decision struct {
	Action           Action
	Installed        string
	Target           origin.Release
	Patch            *origin.Patch
	PreloadAvailable bool
}

type Orchestrator struct {
	Title     *config.Title
	Client    *utils.LodeHTTPClient
	Cache     *chunks.Cache
	Publisher *progress.Publisher
	Limiter   *ratelimit.Limiter
	CacheDir  string // per-title cache location holding staging areas

	// InstalledVersion overrides the version recorded with the installed
	// manifest; normally left empty.
	InstalledVersion string
}

func (o *Orchestrator) stagingDir(version string) string {
	return filepath.Join(o.CacheDir, "staging", version)
}

func (o *Orchestrator) installedVersion() (string, error) {
	if o.InstalledVersion != "" {
		return o.InstalledVersion, nil
	}
	m, err := o.Cache.InstalledManifest()
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}
	return m.Version, nil
}

// Check fetches the package info and decides the update path: the delta
// patch when the installed version is a known source version for one,
// the full package otherwise.
func (o *Orchestrator) Check(ctx context.Context) (*Decision, error) {
	log := output.GetLogger("update").With().Str("title", o.Title.ID).Logger()
	o.publish(StateCheckingVersion, nil)
	info, err := origin.FetchInfo(ctx, o.Client, o.Title.InfoURL())
	if err != nil {
		return nil, err
	}
	installed, err := o.installedVersion()
	if err != nil {
		return nil, err
	}
	decision := &Decision{
		Installed:        installed,
		Target:           info.Latest,
		PreloadAvailable: info.PreDownload != nil,
	}
	if installed == "" {
		decision.Action = ActionFull
		return decision, nil
	}
	current, err := goversion.NewVersion(installed)
	if err != nil {
		return nil, fmt.Errorf("invalid installed version %q: %w", installed, err)
	}
	latest, err := goversion.NewVersion(info.Latest.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid origin version %q: %w", info.Latest.Version, err)
	}
	if current.GreaterThanOrEqual(latest) {
		decision.Action = ActionUpToDate
		log.Debug().Str("installed", installed).Msg("Already up to date")
		return decision, nil
	}
	if patch := info.Latest.FindPatch(installed); patch != nil {
		decision.Action = ActionPatch
		decision.Patch = patch
		log.Debug().Str("from", installed).Str("to", info.Latest.Version).Msg("Patch path selected")
	} else {
		decision.Action = ActionFull
		log.Debug().Str("from", installed).Str("to", info.Latest.Version).Msg("No matching patch source, full package selected")
	}
	return decision, nil
}

// Run performs the update chosen by Check.
func (o *Orchestrator) Run(ctx context.Context) error {
	decision, err := o.Check(ctx)
	if err != nil {
		o.publish(StateFailed, err)
		return err
	}
	if decision.Action == ActionUpToDate {
		o.publish(StateUpToDate, nil)
		return nil
	}
	o.publish(StateNeedsUpdate, nil)

	if o.Title.ManifestFormat == config.ManifestFormatChunked {
		err = o.updateChunked(ctx, decision.Target)
	} else {
		err = o.updateLegacy(ctx, decision)
	}
	if err != nil {
		o.publish(StateFailed, err)
		return err
	}
	o.publish(StateCompleted, nil)
	return nil
}

// updateChunked moves the install to the target version via manifest diff
// and chunk reconstruction. Changed files are rebuilt as staged copies and
// renamed into the live tree only after each passes its whole-file hash.
func (o *Orchestrator) updateChunked(ctx context.Context, target origin.Release) error {
	log := output.GetLogger("update").With().Str("title", o.Title.ID).Logger()
	newMan, err := manifest.FetchManifest(ctx, o.Client, o.Title.ManifestURL(), o.Title.Branch, config.ManifestFormatChunked)
	if err != nil {
		return err
	}
	if newMan.Version == "" {
		newMan.Version = target.Version
	}
	oldMan, err := o.Cache.InstalledManifest()
	if err != nil {
		return err
	}
	plan := manifest.Diff(oldMan, newMan)
	log.Info().Int("filesToCreate", len(plan.FilesToCreate)).Int("chunksToFetch", len(plan.ChunksToFetch)).Int("filesToDelete", len(plan.FilesToDelete)).Msg("Update plan computed")

	o.publish(StateDownloadingPatch, nil)
	fetcher := &chunks.Fetcher{Client: o.Client, Cache: o.Cache, Limiter: o.Limiter}
	err = fetcher.FetchChunks(ctx, plan.ChunksToFetch, func(done, total int, bytes int64) {
		o.publishProgress(progress.StateDownloading, done, total, bytes)
	})
	if err != nil {
		return err
	}

	o.publish(StateApplyingPatch, nil)
	staging := o.stagingDir(newMan.Version)
	rec := &chunks.Reconstructor{
		Cache:      o.Cache,
		Fetcher:    fetcher,
		ReuseRoot:  o.Title.InstallRoot,
		ReuseIndex: manifest.BuildReuseIndex(oldMan),
	}
	for i, entry := range plan.FilesToCreate {
		if err := ctx.Err(); err != nil {
			return err
		}
		stagePath := filepath.Join(staging, filepath.FromSlash(entry.Path))
		livePath := filepath.Join(o.Title.InstallRoot, filepath.FromSlash(entry.Path))
		if err := seedStagedCopy(livePath, stagePath); err != nil {
			return err
		}
		if err := rec.ReconstructFile(ctx, stagePath, entry); err != nil {
			return err
		}
		o.publishProgress(progress.StateApplyingPatch, i+1, len(plan.FilesToCreate), 0)
	}

	// Every staged file passed its hash check; swap into the live tree.
	for _, entry := range plan.FilesToCreate {
		stagePath := filepath.Join(staging, filepath.FromSlash(entry.Path))
		livePath := filepath.Join(o.Title.InstallRoot, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(livePath), 0755); err != nil {
			return err
		}
		if err := os.Rename(stagePath, livePath); err != nil {
			return fmt.Errorf("error swapping %s into place: %w", entry.Path, err)
		}
	}
	for _, path := range plan.FilesToDelete {
		os.Remove(filepath.Join(o.Title.InstallRoot, filepath.FromSlash(path)))
	}
	if err := o.Cache.SaveInstalledManifest(newMan); err != nil {
		return err
	}
	os.RemoveAll(staging)
	return nil
}

// updateLegacy downloads the patch or full archive, extracts it into
// staging, verifies the staged files against the new manifest, and swaps.
func (o *Orchestrator) updateLegacy(ctx context.Context, decision *Decision) error {
	pkg := decision.Target.Main
	state := StateDownloadingFull
	if decision.Action == ActionPatch {
		pkg = decision.Patch.Package
		state = StateDownloadingPatch
	}
	staging := o.stagingDir(decision.Target.Version)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}

	o.publish(state, nil)
	archivePath := filepath.Join(staging, filepath.Base(pkg.URL))
	if ok, err := stagedArchiveReady(archivePath, pkg); err != nil {
		return err
	} else if !ok {
		if err := o.download(ctx, pkg, archivePath); err != nil {
			return err
		}
	}

	if decision.Action == ActionPatch {
		o.publish(StateApplyingPatch, nil)
	} else {
		o.publish(StateExtracting, nil)
	}
	extractDir := filepath.Join(staging, "extract")
	if err := archive.ExtractAll(ctx, archivePath, extractDir); err != nil {
		return err
	}

	newMan, err := manifest.FetchManifest(ctx, o.Client, o.Title.ManifestURL(), o.Title.Branch, config.ManifestFormatLegacy)
	if err != nil {
		return err
	}
	newMan.Version = decision.Target.Version
	staged, err := verifyStaged(extractDir, newMan)
	if err != nil {
		return err
	}
	for _, rel := range staged {
		livePath := filepath.Join(o.Title.InstallRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(livePath), 0755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(extractDir, filepath.FromSlash(rel)), livePath); err != nil {
			return fmt.Errorf("error swapping %s into place: %w", rel, err)
		}
	}
	if err := o.Cache.SaveInstalledManifest(newMan); err != nil {
		return err
	}
	return os.RemoveAll(staging)
}

func (o *Orchestrator) download(ctx context.Context, pkg origin.Package, dest string) error {
	session, err := transfer.Start(ctx, transfer.Request{
		URL:         pkg.URL,
		Destination: dest,
		Segments:    o.Title.Connections,
		ExpectedMD5: pkg.MD5,
		Title:       o.Title.ID,
		Client:      o.Client,
		Limiter:     o.Limiter,
		Publisher:   o.Publisher,
	})
	if err != nil {
		return err
	}
	return session.Wait()
}

func (o *Orchestrator) publish(state State, err error) {
	if o.Publisher == nil {
		return
	}
	o.Publisher.Publish(progress.Snapshot{
		Title:   o.Title.ID,
		Op:      progress.OpUpdate,
		State:   updateStateToProgress(state),
		Current: state.String(),
		Err:     err,
	})
}

func (o *Orchestrator) publishProgress(state progress.State, done, total int, bytes int64) {
	if o.Publisher == nil {
		return
	}
	o.Publisher.Publish(progress.Snapshot{
		Title:      o.Title.ID,
		Op:         progress.OpUpdate,
		State:      state,
		FilesDone:  done,
		FilesTotal: total,
		BytesDone:  bytes,
	})
}

func updateStateToProgress(s State) progress.State {
	switch s {
	case StateCheckingVersion, StateNeedsUpdate, StatePreloadAvailable:
		return progress.StatePending
	case StateUpToDate, StateCompleted:
		return progress.StateCompleted
	case StateDownloadingPatch, StateDownloadingFull:
		return progress.StateDownloading
	case StateApplyingPatch:
		return progress.StateApplyingPatch
	case StateExtracting:
		return progress.StateExtracting
	case StateFailed:
		return progress.StateFailed
	}
	return progress.StatePending
}

// seedStagedCopy primes a staged file with the live bytes so reconstruction
// can skip chunks that are already correct.
func seedStagedCopy(livePath, stagePath string) error {
	if err := os.MkdirAll(filepath.Dir(stagePath), 0755); err != nil {
		return err
	}
	in, err := os.Open(livePath)
	if os.IsNotExist(err) {
		os.Remove(stagePath)
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(stagePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// verifyStaged checks every extracted file against the new manifest and
// returns the relative paths that may be swapped in. An extracted file the
// manifest doesn't list, or one failing its hash, aborts the update.
func verifyStaged(extractDir string, newMan *manifest.Manifest) ([]string, error) {
	var staged []string
	err := filepath.WalkDir(extractDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(extractDir, path)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		entry := newMan.FindFile(relSlash)
		if entry == nil {
			return fmt.Errorf("staged file %s is not listed in the new manifest", relSlash)
		}
		hash, err := utils.HashFile(path)
		if err != nil {
			return err
		}
		if hash != entry.MD5 {
			return fmt.Errorf("staged file %s hash %s does not match manifest %s", relSlash, hash, entry.MD5)
		}
		staged = append(staged, relSlash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, fmt.Errorf("package archive contained no files")
	}
	return staged, nil
}
