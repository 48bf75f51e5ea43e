package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

// assemble concatenates the part files in segment order into the final
// destination. The assembled bytes land in a temporary file first and are
// renamed into place only after the size (and, when declared, the MD5)
// checks pass, so a failed check never leaves a half-written destination.
func (s *Session) assemble() error {
	log := output.GetLogger("assemble").With().Str("dest", s.req.Destination).Logger()
	if err := os.MkdirAll(filepath.Dir(s.req.Destination), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	tmpPath := s.req.Destination + ".tmp"
	dest, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}

	var totalWritten int64
	buf := make([]byte, utils.DefaultBufferSize)
	for _, seg := range s.segments {
		part, err := os.Open(s.partPath(seg))
		if err != nil {
			dest.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("error opening part file for segment %d: %w", seg.id, err)
		}
		written, err := io.CopyBuffer(dest, part, buf)
		part.Close()
		if err != nil {
			dest.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("error copying segment %d: %w", seg.id, err)
		}
		if seg.sized() && written != seg.size() {
			dest.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("segment %d wrote %d bytes, expected %d", seg.id, written, seg.size())
		}
		totalWritten += written
	}
	if err := dest.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error closing output file: %w", err)
	}
	if s.totalSize > 0 && totalWritten != s.totalSize {
		os.Remove(tmpPath)
		return fmt.Errorf("total written bytes (%d) doesn't match expected file size (%d)", totalWritten, s.totalSize)
	}

	if s.req.ExpectedMD5 != "" {
		hash, err := utils.HashFile(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return err
		}
		if hash != utils.NormalizeHex(s.req.ExpectedMD5) {
			os.Remove(tmpPath)
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", s.req.Destination, s.req.ExpectedMD5, hash)
		}
	}
	if err := os.Rename(tmpPath, s.req.Destination); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error finalizing output file: %w", err)
	}
	log.Debug().Int64("size", totalWritten).Msg("File assembled")
	return utils.CleanTemp(s.req.Destination)
}
