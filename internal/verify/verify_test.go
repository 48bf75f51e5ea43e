package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/utils"
)

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, content, 0644))
	}
}

func entryFor(path string, content []byte) manifest.FileEntry {
	return manifest.FileEntry{Path: path, Size: int64(len(content)), MD5: utils.HashBytes(content)}
}

func TestVerifyTreeSurfacesReadErrors(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind for root")
	}
	root := t.TempDir()
	content := []byte("present but unreadable")
	writeTree(t, root, map[string][]byte{"data/locked.bin": content})
	require.NoError(t, os.Chmod(filepath.Join(root, "data", "locked.bin"), 0o000))

	ref := &manifest.Manifest{Files: []manifest.FileEntry{entryFor("data/locked.bin", content)}}
	v := &Verifier{Concurrency: 1}
	_, err := v.VerifyTree(context.Background(), root, ref, nil)
	require.Error(t, err, "a read failure is a storage problem, not a corrupt file")
	assert.Contains(t, err.Error(), "data/locked.bin")
}

func TestVerifyTreeClassification(t *testing.T) {
	root := t.TempDir()
	valid := []byte("intact content")
	truncated := []byte("this one lost bytes")
	flipped := []byte("content before a bit flip")

	writeTree(t, root, map[string][]byte{
		"data/valid.bin":     valid,
		"data/truncated.bin": truncated[:10],
		"data/flipped.bin":   []byte("content after  a bit flip"),
		"data/stray.tmp":     []byte("leftover"),
	})

	ref := &manifest.Manifest{Files: []manifest.FileEntry{
		entryFor("data/valid.bin", valid),
		entryFor("data/truncated.bin", truncated),
		entryFor("data/flipped.bin", flipped),
		entryFor("data/gone.bin", []byte("never written")),
	}}

	v := &Verifier{}
	results, err := v.VerifyTree(context.Background(), root, ref, nil)
	require.NoError(t, err)

	byPath := make(map[string]Result)
	for _, r := range results {
		byPath[r.Path] = r
	}
	assert.Equal(t, IssueNone, byPath["data/valid.bin"].Issue)
	assert.Equal(t, IssueSizeMismatch, byPath["data/truncated.bin"].Issue)
	assert.Equal(t, IssueHashMismatch, byPath["data/flipped.bin"].Issue,
		"a size-preserving corruption must be caught by the hash")
	assert.Equal(t, IssueMissing, byPath["data/gone.bin"].Issue)
	assert.Equal(t, IssueExtra, byPath["data/stray.tmp"].Issue)

	broken := Broken(results)
	assert.Len(t, broken, 3, "extra files are reported, not repaired")
}

func TestVerifyTreeProgressCallback(t *testing.T) {
	root := t.TempDir()
	content := []byte("abc")
	writeTree(t, root, map[string][]byte{"a.bin": content, "b.bin": content})
	ref := &manifest.Manifest{Files: []manifest.FileEntry{
		entryFor("a.bin", content),
		entryFor("b.bin", content),
	}}

	var calls int
	v := &Verifier{Concurrency: 1}
	_, err := v.VerifyTree(context.Background(), root, ref, func(done, total int) {
		calls++
		assert.Equal(t, 2, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Path: "ok.bin", Issue: IssueNone},
		{Path: "extra.bin", Issue: IssueExtra},
	}
	assert.NoError(t, Summarize(results))

	results = append(results, Result{Path: "bad.bin", Issue: IssueHashMismatch, ActualHash: "aa", ExpectedHash: "bb"})
	err := Summarize(results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.bin")
}

func TestVerifyTreeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := &Verifier{}
	_, err := v.VerifyTree(ctx, t.TempDir(), &manifest.Manifest{Files: []manifest.FileEntry{entryFor("a", nil)}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
