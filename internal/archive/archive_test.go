package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.zip")

	f, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"bin/launcher":  "launcher bytes",
		"data/base.pak": "base pack bytes",
		"readme.txt":    "hello",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractAll(context.Background(), archivePath, dest))

	for name, content := range map[string]string{
		"bin/launcher":  "launcher bytes",
		"data/base.pak": "base pack bytes",
		"readme.txt":    "hello",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(got))
	}
}

func TestExtractAllMissingArchive(t *testing.T) {
	err := ExtractAll(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), t.TempDir())
	assert.Error(t, err)
}
