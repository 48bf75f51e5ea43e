// Package verify checks an installed tree against a reference manifest.
// Verification only reads; it never mutates file contents.
package verify

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

type Issue int

const (
	IssueNone Issue = iota
	IssueMissing
	IssueSizeMismatch
	IssueHashMismatch
	IssueExtra
)

func (i Issue) String() string {
	switch i {
	case IssueNone:
		return "valid"
	case IssueMissing:
		return "missing"
	case IssueSizeMismatch:
		return "size-mismatch"
	case IssueHashMismatch:
		return "hash-mismatch"
	case IssueExtra:
		return "extra"
	}
	return "unknown"
}

// Result is the classification of one path. Every manifest entry maps to
// exactly one of valid/missing/size-mismatch/hash-mismatch; Extra marks
// present-but-unlisted files and is report-only.
type Result struct {
	Path         string
	Issue        Issue
	ExpectedSize int64
	ActualSize   int64
	ExpectedHash string
	ActualHash   string
}

// DefaultConcurrency bounds parallel hashing so verification doesn't
// saturate storage I/O.
const DefaultConcurrency = 4

type Verifier struct {
	Concurrency int
}

// VerifyTree hashes every manifest entry under root and classifies each.
// One Result is emitted per manifest entry, plus one IssueExtra result per
// unlisted file found in the tree. onFile is called as entries complete.
func (v *Verifier) VerifyTree(ctx context.Context, root string, ref *manifest.Manifest, onFile func(done, total int)) ([]Result, error) {
	log := output.GetLogger("verify")
	concurrency := v.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	results := make([]Result, len(ref.Files))
	tasks := make(chan int)
	var wg sync.WaitGroup
	var done int
	var firstErr error
	var mu sync.Mutex

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				if ctx.Err() != nil {
					continue
				}
				r, err := verifyEntry(root, ref.Files[idx])
				results[idx] = r
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				done++
				count := done
				mu.Unlock()
				if onFile != nil {
					onFile(count, len(ref.Files))
				}
			}
		}()
	}
	for i := range ref.Files {
		tasks <- i
	}
	close(tasks)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}

	extras, err := findExtras(root, ref)
	if err != nil {
		log.Debug().Err(err).Msg("Error scanning for extra files")
	}
	results = append(results, extras...)

	broken := 0
	for _, r := range results {
		if r.Issue != IssueNone && r.Issue != IssueExtra {
			broken++
		}
	}
	log.Debug().Int("files", len(ref.Files)).Int("broken", broken).Int("extra", len(extras)).Msg("Verification finished")
	return results, nil
}

// verifyEntry classifies one manifest entry. A file that cannot be read at
// all is a storage problem, not a content mismatch, and is returned as an
// error so the scan fails loudly instead of reporting bogus corruption.
func verifyEntry(root string, entry manifest.FileEntry) (Result, error) {
	result := Result{
		Path:         entry.Path,
		ExpectedSize: entry.Size,
		ExpectedHash: entry.MD5,
	}
	path := filepath.Join(root, filepath.FromSlash(entry.Path))
	info, err := os.Stat(path)
	if err != nil {
		result.Issue = IssueMissing
		return result, nil
	}
	result.ActualSize = info.Size()
	if info.Size() != entry.Size {
		// Size already rules the file out; skip the expensive hash.
		result.Issue = IssueSizeMismatch
		return result, nil
	}
	hash, err := utils.HashFile(path)
	if err != nil {
		return result, fmt.Errorf("error reading %s: %w", entry.Path, err)
	}
	result.ActualHash = hash
	if hash != entry.MD5 {
		result.Issue = IssueHashMismatch
		return result, nil
	}
	result.Issue = IssueNone
	return result, nil
}

func findExtras(root string, ref *manifest.Manifest) ([]Result, error) {
	listed := make(map[string]struct{}, len(ref.Files))
	for _, f := range ref.Files {
		listed[filepath.FromSlash(f.Path)] = struct{}{}
	}
	var extras []Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if _, ok := listed[rel]; !ok {
			extras = append(extras, Result{Path: filepath.ToSlash(rel), Issue: IssueExtra})
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return extras, err
}

// Broken filters the results down to entries needing repair.
func Broken(results []Result) []Result {
	var broken []Result
	for _, r := range results {
		switch r.Issue {
		case IssueMissing, IssueSizeMismatch, IssueHashMismatch:
			broken = append(broken, r)
		}
	}
	return broken
}

// Summarize collapses failed results into a single error, or nil when the
// tree is intact.
func Summarize(results []Result) error {
	var merr *multierror.Error
	for _, r := range results {
		switch r.Issue {
		case IssueMissing:
			merr = multierror.Append(merr, fmt.Errorf("%s: missing", r.Path))
		case IssueSizeMismatch:
			merr = multierror.Append(merr, fmt.Errorf("%s: size %d, expected %d", r.Path, r.ActualSize, r.ExpectedSize))
		case IssueHashMismatch:
			merr = multierror.Append(merr, fmt.Errorf("%s: hash %s, expected %s", r.Path, r.ActualHash, r.ExpectedHash))
		}
	}
	return merr.ErrorOrNil()
}
