// Package repair drives the verifier and the transfer/chunk components to
// fix broken files in place. A single file's repair is atomic to observers:
// replacement bytes land in a temporary path and are renamed over the
// original only after a post-write hash match.
package repair

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/ratelimit"
	"github.com/stovon/lodestone/internal/transfer"
	"github.com/stovon/lodestone/internal/utils"
	"github.com/stovon/lodestone/internal/verify"
)

type Engine struct {
	Title     *config.Title
	Client    *utils.LodeHTTPClient
	Cache     *chunks.Cache
	Publisher *progress.Publisher
	Limiter   *ratelimit.Limiter
	Retries   int // per-file re-fetch attempts; 0 = default
}

// Report is the outcome of one repair run.
type Report struct {
	TotalFiles   int
	BrokenFiles  int
	Repaired     []string
	Unrepairable []string
	Results      []verify.Result
}

// Run scans the install tree against the reference manifest and repairs
// every broken file. Cancelling the context stops between files.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	log := output.GetLogger("repair").With().Str("title", e.Title.ID).Logger()
	retries := e.Retries
	if retries < 1 {
		retries = utils.DefaultFileRetries
	}

	// Scanning
	e.publish(progress.StateScanning, 0, 0, 0, "")
	ref, err := manifest.FetchManifest(ctx, e.Client, e.Title.ManifestURL(), e.Title.Branch, e.Title.ManifestFormat)
	if err != nil {
		e.publishErr(err)
		return nil, err
	}
	verifier := &verify.Verifier{}
	results, err := verifier.VerifyTree(ctx, e.Title.InstallRoot, ref, func(done, total int) {
		e.publish(progress.StateScanning, done, total, 0, "")
	})
	if err != nil {
		e.publishErr(err)
		return nil, err
	}
	broken := verify.Broken(results)
	report := &Report{
		TotalFiles:  len(ref.Files),
		BrokenFiles: len(broken),
		Results:     results,
	}
	log.Info().Int("totalFiles", len(ref.Files)).Int("brokenFiles", len(broken)).Msg("Scan complete")
	if len(broken) == 0 {
		e.publish(progress.StateCompleted, len(ref.Files), len(ref.Files), 0, "")
		return report, nil
	}

	// Repairing
	reuse := manifest.BuildReuseIndex(ref)
	var merr *multierror.Error
	for i, victim := range broken {
		if err := ctx.Err(); err != nil {
			e.publish(progress.StateCancelled, i, len(broken), len(broken), "")
			return report, err
		}
		e.publish(progress.StateRepairing, i, len(broken), len(broken), victim.Path)
		entry := ref.FindFile(victim.Path)
		if entry == nil {
			continue
		}
		if err := e.repairFile(ctx, *entry, reuse, retries); err != nil {
			log.Warn().Err(err).Str("file", victim.Path).Msg("File is unrepairable")
			report.Unrepairable = append(report.Unrepairable, victim.Path)
			merr = multierror.Append(merr, fmt.Errorf("repairing %s: %w", victim.Path, err))
			continue
		}
		report.Repaired = append(report.Repaired, victim.Path)
	}

	if err := merr.ErrorOrNil(); err != nil {
		e.publishErr(err)
		return report, err
	}
	e.publish(progress.StateCompleted, len(broken), len(broken), len(broken), "")
	return report, nil
}

// repairFile re-fetches one broken file with bounded attempts. Each attempt
// builds the replacement at a temporary path, verifies it, and only then
// renames it over the original.
func (e *Engine) repairFile(ctx context.Context, entry manifest.FileEntry, reuse map[string]manifest.FileRegion, retries int) error {
	log := output.GetLogger("repair").With().Str("file", entry.Path).Logger()
	finalPath := filepath.Join(e.Title.InstallRoot, filepath.FromSlash(entry.Path))

	var lastErr error
	for attempt := range retries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			log.Debug().Int("attempt", attempt+1).Msg("Retrying file repair")
		}
		var err error
		if len(entry.Chunks) > 0 {
			err = e.repairChunked(ctx, finalPath, entry, reuse)
		} else {
			err = e.repairWholeFile(ctx, finalPath, entry)
		}
		if err != nil {
			lastErr = err
			continue
		}
		// Post-repair verification before declaring success.
		hash, err := utils.HashFile(finalPath)
		if err != nil {
			lastErr = err
			continue
		}
		if hash != entry.MD5 {
			lastErr = fmt.Errorf("post-repair hash %s does not match manifest %s", hash, entry.MD5)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", retries, lastErr)
}

func (e *Engine) repairChunked(ctx context.Context, finalPath string, entry manifest.FileEntry, reuse map[string]manifest.FileRegion) error {
	tmpPath := finalPath + ".repair"
	defer os.Remove(tmpPath)
	// Seed the working copy with the current bytes so intact chunks are
	// skipped rather than re-fetched.
	if err := copyFileIfExists(finalPath, tmpPath); err != nil {
		return err
	}
	rec := &chunks.Reconstructor{
		Cache:      e.Cache,
		Fetcher:    &chunks.Fetcher{Client: e.Client, Cache: e.Cache, Limiter: e.Limiter},
		ReuseRoot:  e.Title.InstallRoot,
		ReuseIndex: reuse,
	}
	if err := rec.ReconstructFile(ctx, tmpPath, entry); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

func (e *Engine) repairWholeFile(ctx context.Context, finalPath string, entry manifest.FileEntry) error {
	session, err := transfer.Start(ctx, transfer.Request{
		URL:         e.Title.FileURL(entry.Path),
		Destination: finalPath,
		Segments:    e.Title.Connections,
		ExpectedMD5: entry.MD5,
		Title:       e.Title.ID,
		Client:      e.Client,
		Limiter:     e.Limiter,
	})
	if err != nil {
		return err
	}
	return session.Wait()
}

func copyFileIfExists(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		os.Remove(dst)
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (e *Engine) publish(state progress.State, done, total, broken int, current string) {
	if e.Publisher == nil {
		return
	}
	e.Publisher.Publish(progress.Snapshot{
		Title:       e.Title.ID,
		Op:          progress.OpRepair,
		State:       state,
		FilesDone:   done,
		FilesTotal:  total,
		BrokenFiles: broken,
		Current:     current,
	})
}

func (e *Engine) publishErr(err error) {
	if e.Publisher == nil {
		return
	}
	e.Publisher.Publish(progress.Snapshot{
		Title: e.Title.ID,
		Op:    progress.OpRepair,
		State: progress.StateFailed,
		Err:   err,
	})
}
