// Package archive extracts downloaded package archives into a directory.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mholt/archives"
)

// ExtractAll unpacks the archive at archivePath into destDir, preserving
// the archive's directory layout.
func ExtractAll(ctx context.Context, archivePath, destDir string) error {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return fmt.Errorf("error opening archive: %w", err)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer closer.Close()
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("error creating destination directory: %w", err)
	}
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		targetPath := filepath.Join(destDir, path)
		if d.IsDir() {
			return os.MkdirAll(targetPath, 0755)
		}
		return extractFile(fsys, path, targetPath)
	})
}

func extractFile(fsys fs.FS, path, targetPath string) error {
	src, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("error opening archive entry %s: %w", path, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	dst, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", targetPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("error extracting %s: %w", path, err)
	}
	return dst.Close()
}
