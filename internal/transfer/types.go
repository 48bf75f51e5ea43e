package transfer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/ratelimit"
	"github.com/stovon/lodestone/internal/utils"
)

// Request describes one segmented download.
type Request struct {
	URL         string
	Destination string
	Segments    int
	SpeedCap    int64  // bytes/sec, 0 = unlimited; ignored when Limiter is set
	ExpectedMD5 string // optional post-assembly checksum
	MaxRetries  int    // per-segment; 0 = default
	Title       string // tag carried into progress snapshots

	Client    *utils.LodeHTTPClient
	Limiter   *ratelimit.Limiter  // optional, replaces SpeedCap
	Publisher *progress.Publisher // optional, session creates one otherwise
}

// segment is one contiguous byte range fetched over one connection.
// start/end are inclusive, as sent in the Range header. An end of -1 marks
// an open-ended segment for an origin that never reported a size; it
// streams until EOF and has no meaningful size.
type segment struct {
	id        int
	start     int64
	end       int64
	confirmed atomic.Int64 // bytes written to the part file
	completed atomic.Bool
}

func (s *segment) size() int64 {
	return s.end - s.start + 1
}

func (s *segment) sized() bool {
	return s.end >= 0
}

// partitionSegments splits [0, totalSize) into count near-equal ranges.
func partitionSegments(totalSize int64, count int) []*segment {
	if count < 1 {
		count = 1
	}
	segSize := totalSize / int64(count)
	var segments []*segment
	var pos int64
	for i := range count {
		start := pos
		end := start + segSize - 1
		if i == count-1 || end >= totalSize {
			end = totalSize - 1
		}
		if end >= start {
			segments = append(segments, &segment{id: len(segments), start: start, end: end})
		}
		pos = end + 1
	}
	return segments
}

// checkPartition verifies segments cover [0, totalSize) exactly, with no
// gaps or overlaps. Checked at session construction.
func checkPartition(segments []*segment, totalSize int64) error {
	var pos int64
	for _, seg := range segments {
		if seg.start != pos {
			return fmt.Errorf("segment %d starts at %d, expected %d", seg.id, seg.start, pos)
		}
		if seg.end < seg.start {
			return fmt.Errorf("segment %d has negative range", seg.id)
		}
		pos = seg.end + 1
	}
	if pos != totalSize {
		return fmt.Errorf("segments cover %d bytes, expected %d", pos, totalSize)
	}
	return nil
}

// pathRegistry enforces at most one active session per destination path.
// Accounting only; no I/O happens under the lock.
var pathRegistry = struct {
	mu     sync.Mutex
	active map[string]struct{}
}{active: make(map[string]struct{})}

func acquirePath(dest string) error {
	pathRegistry.mu.Lock()
	defer pathRegistry.mu.Unlock()
	if _, busy := pathRegistry.active[dest]; busy {
		return fmt.Errorf("%w: %s", utils.ErrDestinationBusy, dest)
	}
	pathRegistry.active[dest] = struct{}{}
	return nil
}

func releasePath(dest string) {
	pathRegistry.mu.Lock()
	defer pathRegistry.mu.Unlock()
	delete(pathRegistry.active, dest)
}
