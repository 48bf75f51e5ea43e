package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "1.50 MB", FormatBytes(3*512*1024))
	assert.Equal(t, "2.00 GB", FormatBytes(2*1024*1024*1024))
}

func TestHashBytes(t *testing.T) {
	// md5("abc")
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", HashBytes([]byte("abc")))
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	content := []byte("file content for hashing")
	require.NoError(t, os.WriteFile(path, content, 0644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(content), got)
}

func TestNormalizeHex(t *testing.T) {
	assert.Equal(t, "0cc175b9", NormalizeHex("  0CC175B9 "))
}

func TestTempDirAndCleanTemp(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tempDir := TempDir(dest)
	assert.Equal(t, filepath.Join(dir, TempDirName), tempDir)

	require.NoError(t, os.MkdirAll(tempDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "out.bin.part0"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "out.bin.part1"), []byte("y"), 0644))

	require.NoError(t, CleanTemp(dest))
	_, err := os.Stat(tempDir)
	assert.True(t, os.IsNotExist(err), "empty temp dir is removed")

	assert.NoError(t, CleanTemp(dest), "cleaning an already-clean path is fine")
}

func TestCleanTempLeavesOtherFiles(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	tempDir := TempDir(dest)
	require.NoError(t, os.MkdirAll(tempDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "out.bin.part0"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "other.bin.part0"), []byte("z"), 0644))

	require.NoError(t, CleanTemp(dest))
	_, err := os.Stat(filepath.Join(tempDir, "other.bin.part0"))
	assert.NoError(t, err, "another download's part files stay put")
}

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.zip")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	renewed := RenewOutputPath(path)
	assert.Equal(t, filepath.Join(dir, "file-(1).zip"), renewed)

	require.NoError(t, os.WriteFile(renewed, []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "file-(2).zip"), RenewOutputPath(path))
}
