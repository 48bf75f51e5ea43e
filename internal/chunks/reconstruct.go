package chunks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

// Reconstructor writes manifest-described files from cached chunks. When an
// identical-hash chunk already occupies the correct byte range of the
// target, the write is skipped; when an installed file elsewhere in the
// tree holds a chunk's content, the bytes are copied from there instead of
// downloaded. Both shortcuts verify the source bytes' hash first, so
// existing corruption is never propagated as "already correct".
type Reconstructor struct {
	Cache   *Cache
	Fetcher *Fetcher
	// ReuseRoot is the installed tree that ReuseIndex offsets refer to.
	// Empty disables cross-file reuse.
	ReuseRoot  string
	ReuseIndex map[string]manifest.FileRegion
}

// ReconstructFile builds targetPath according to the file entry, chunk by
// chunk in manifest order. After reconstruction the whole-file hash is
// checked; on mismatch the file's chunk set is re-fetched in full once,
// bypassing all reuse, before the file is reported fatally failed.
func (r *Reconstructor) ReconstructFile(ctx context.Context, targetPath string, entry manifest.FileEntry) error {
	log := output.GetLogger("reconstruct").With().Str("file", entry.Path).Logger()
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", entry.Path, err)
	}

	if err := r.writeChunks(ctx, targetPath, entry, false); err != nil {
		return err
	}
	hash, err := utils.HashFile(targetPath)
	if err != nil {
		return err
	}
	if hash == entry.MD5 {
		return nil
	}

	// One full rebuild with reuse bypassed, then give up.
	log.Debug().Str("expected", entry.MD5).Str("got", hash).Msg("Reconstructed file hash mismatch, re-fetching full chunk set")
	for _, c := range entry.Chunks {
		if err := r.Fetcher.FetchOne(ctx, c, true); err != nil {
			return fmt.Errorf("re-fetching chunks for %s: %w", entry.Path, err)
		}
	}
	if err := r.writeChunks(ctx, targetPath, entry, true); err != nil {
		return err
	}
	hash, err = utils.HashFile(targetPath)
	if err != nil {
		return err
	}
	if hash != entry.MD5 {
		return fmt.Errorf("file %s failed reconstruction: hash %s does not match manifest %s", entry.Path, hash, entry.MD5)
	}
	return nil
}

func (r *Reconstructor) writeChunks(ctx context.Context, targetPath string, entry manifest.FileEntry, bypassReuse bool) error {
	f, err := os.OpenFile(targetPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", entry.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	onDiskSize := info.Size()

	for _, chunk := range entry.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bypassReuse && chunk.Offset+chunk.Size <= onDiskSize {
			// In-place patch: skip the write only after the on-disk
			// region's hash is confirmed to match.
			got, err := hashRegion(f, chunk.Offset, chunk.Size)
			if err == nil && got == chunk.Hash {
				continue
			}
		}
		data, err := r.chunkBytes(ctx, chunk, bypassReuse)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(data, chunk.Offset); err != nil {
			return fmt.Errorf("error writing chunk %s of %s: %w", chunk.Hash, entry.Path, err)
		}
	}
	if err := f.Truncate(entry.Size); err != nil {
		return fmt.Errorf("error truncating %s: %w", entry.Path, err)
	}
	return f.Sync()
}

// chunkBytes resolves a chunk's content: from the cache, from an installed
// file holding identical content, or by downloading it.
func (r *Reconstructor) chunkBytes(ctx context.Context, chunk manifest.ChunkEntry, bypassReuse bool) ([]byte, error) {
	if r.Cache.Has(chunk.Hash) {
		return r.Cache.ReadAll(chunk.Hash)
	}
	if !bypassReuse && r.ReuseRoot != "" {
		if region, ok := r.ReuseIndex[chunk.Hash]; ok {
			data, err := readRegion(filepath.Join(r.ReuseRoot, region.Path), region.Offset, region.Size)
			if err == nil && utils.HashBytes(data) == chunk.Hash {
				return data, nil
			}
			// Installed copy is gone or corrupt; fall through to download.
		}
	}
	if err := r.Fetcher.FetchOne(ctx, chunk, false); err != nil {
		return nil, err
	}
	return r.Cache.ReadAll(chunk.Hash)
}

func hashRegion(f *os.File, offset, size int64) (string, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, offset); err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

func readRegion(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, size), data); err != nil {
		return nil, err
	}
	return data, nil
}
