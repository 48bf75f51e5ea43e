package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

var errStaleRange = errors.New("requested range not satisfiable")

func (s *Session) partPath(seg *segment) string {
	tempDir := utils.TempDir(s.req.Destination)
	return filepath.Join(tempDir, fmt.Sprintf("%s.part%d", filepath.Base(s.req.Destination), seg.id))
}

// downloadSegment drives one segment to completion with bounded retries.
// The part file on disk is the resume point: its size is the count of
// confirmed bytes, so a new attempt (or a new process) continues exactly
// where the last one stopped.
func (s *Session) downloadSegment(ctx context.Context, seg *segment) error {
	log := output.GetLogger("segment").With().Int("segmentId", seg.id).Logger()
	partFile := s.partPath(seg)
	expected := seg.size()

	resumeOffset := int64(0)
	if fileInfo, err := os.Stat(partFile); seg.sized() && err == nil {
		resumeOffset = fileInfo.Size()
		if resumeOffset == expected {
			log.Debug().Str("file", filepath.Base(partFile)).Msg("Segment already complete, skipping")
			seg.confirmed.Store(resumeOffset)
			seg.completed.Store(true)
			return nil
		} else if resumeOffset > expected {
			log.Debug().Int64("size", resumeOffset).Int64("expected", expected).Msg("Part file larger than expected, removing")
			os.Remove(partFile)
			resumeOffset = 0
		} else if resumeOffset > 0 {
			log.Debug().Int64("offset", resumeOffset).Int64("total", expected).Msg("Resuming incomplete segment")
		}
	}
	seg.confirmed.Store(resumeOffset)

	var lastErr error
	for retry := range s.retries {
		if retry > 0 {
			log.Debug().Int("attempt", retry+1).Int("maxRetries", s.retries).Msg("Retrying segment")
			backoff := time.Duration(1<<uint(retry-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			resumeOffset = seg.confirmed.Load()
		}
		err := s.downloadRange(ctx, seg, partFile, resumeOffset)
		if err == nil {
			seg.completed.Store(true)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStaleRange) {
			// Origin content changed size; the stale range is worthless.
			log.Debug().Msg("Range not satisfiable, restarting segment from offset 0")
			os.Remove(partFile)
			seg.confirmed.Store(0)
			resumeOffset = 0
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", retry+1).Msg("Error downloading segment")
	}
	return fmt.Errorf("segment %d failed after %d attempts: %w", seg.id, s.retries, lastErr)
}

func (s *Session) downloadRange(ctx context.Context, seg *segment, partFile string, resumeOffset int64) error {
	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 && s.ranged {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	out, err := os.OpenFile(partFile, flag, 0644)
	if err != nil {
		return fmt.Errorf("error opening part file: %w", err)
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.req.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Connection", "keep-alive")
	if s.ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.start+resumeOffset, seg.end))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if s.ranged {
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return errStaleRange
		}
		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		if resp.Header.Get("Content-Range") == "" {
			return errors.New("missing Content-Range header")
		}
	} else {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		// No ranges means no resume; the part file was truncated above.
		seg.confirmed.Store(0)
	}

	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if err := s.limiter.WaitN(ctx, bytesRead); err != nil {
				return err
			}
			if _, writeErr := out.Write(buffer[:bytesRead]); writeErr != nil {
				return fmt.Errorf("error writing part file: %w", writeErr)
			}
			seg.confirmed.Add(int64(bytesRead))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return readErr
		}
	}
	if got := seg.confirmed.Load(); seg.sized() && got != seg.size() {
		return fmt.Errorf("size mismatch: expected %d bytes for segment, got %d", seg.size(), got)
	}
	return nil
}
