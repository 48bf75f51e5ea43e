// Package transfer implements the segmented, resumable, rate-limited
// download engine. One Session owns one destination file for its lifetime;
// its byte range is partitioned across independent connections, each with
// its own resume point, so pause/resume/cancel work at any moment without
// re-transferring confirmed bytes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/ratelimit"
	"github.com/stovon/lodestone/internal/utils"
)

var ErrCancelled = errors.New("download cancelled")

var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

type Session struct {
	ID        uuid.UUID
	req       Request
	client    *utils.LodeHTTPClient
	limiter   *ratelimit.Limiter
	pub       *progress.Publisher
	ownPub    bool
	totalSize int64
	ranged    bool
	segments  []*segment
	retries   int

	mu          sync.Mutex
	state       progress.State
	err         error
	cancelRun   context.CancelCauseFunc
	keepPartial bool
	resumeCh    chan struct{}
	cancelCh    chan struct{}
	done        chan struct{}
}

// Start probes the origin, partitions the byte range and begins the
// transfer. The returned session is already running; use Wait, Progress and
// the control methods to interact with it.
func Start(ctx context.Context, req Request) (*Session, error) {
	if req.Destination == "" {
		return nil, errors.New("destination path is required")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	if req.Client == nil {
		req.Client = utils.NewLodeHTTPClient(utils.HTTPClientConfig{})
	}
	if req.Segments < 1 {
		req.Segments = 1
	}
	if req.MaxRetries < 1 {
		req.MaxRetries = utils.DefaultSegmentRetries
	}

	if err := acquirePath(req.Destination); err != nil {
		return nil, err
	}
	totalSize, ranged, err := probeFileInfo(ctx, req.URL, req.Client)
	if err != nil && !errors.Is(err, utils.ErrRangeRequestsNotSupported) {
		releasePath(req.Destination)
		return nil, fmt.Errorf("error probing file info: %w", err)
	}

	var segments []*segment
	if totalSize > 0 {
		segCount := req.Segments
		if !ranged {
			segCount = 1
		} else if totalSize/int64(segCount) < 2*utils.DefaultBufferSize {
			// Tiny ranges churn connections for nothing.
			segCount = max(1, int(totalSize/(2*utils.DefaultBufferSize)))
		}
		segments = partitionSegments(totalSize, segCount)
		if err := checkPartition(segments, totalSize); err != nil {
			releasePath(req.Destination)
			return nil, fmt.Errorf("segment partition invariant violated: %w", err)
		}
	} else {
		// The origin reports no size at all (chunked encoding, no usable
		// HEAD). Stream one connection to EOF; nothing to partition.
		ranged = false
		segments = []*segment{{id: 0, start: 0, end: -1}}
	}

	limiter := req.Limiter
	if limiter == nil {
		limiter = ratelimit.New(req.SpeedCap)
	}
	pub, ownPub := req.Publisher, false
	if pub == nil {
		pub = progress.NewPublisher()
		ownPub = true
	}
	if err := os.MkdirAll(utils.TempDir(req.Destination), 0755); err != nil {
		releasePath(req.Destination)
		return nil, fmt.Errorf("error creating temp directory: %w", err)
	}

	s := &Session{
		ID:        uuid.New(),
		req:       req,
		client:    req.Client,
		limiter:   limiter,
		pub:       pub,
		ownPub:    ownPub,
		totalSize: totalSize,
		ranged:    ranged,
		segments:  segments,
		retries:   req.MaxRetries,
		state:     progress.StatePending,
		resumeCh:  make(chan struct{}, 1),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// TotalSize reports the probed size of the remote file.
func (s *Session) TotalSize() int64 { return s.totalSize }

func (s *Session) State() progress.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns a channel of snapshots for this session.
func (s *Session) Progress() <-chan progress.Snapshot {
	return s.pub.Subscribe()
}

// Wait blocks until the session reaches a terminal state. It returns nil on
// Completed, ErrCancelled on Cancelled, and the failure cause on Failed.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == progress.StateCancelled && s.err == nil {
		return ErrCancelled
	}
	return s.err
}

// Pause aborts in-flight segment requests but keeps every part file, so a
// later Resume continues from the exact confirmed offsets.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != progress.StateDownloading {
		return
	}
	if s.cancelRun != nil {
		s.cancelRun(errPauseRequested)
	}
}

// Resume restarts a paused session.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != progress.StatePaused {
		return
	}
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// Cancel tears the session down. Partial part files are deleted unless
// keepPartial is set, which preserves them for a later session to resume.
func (s *Session) Cancel(keepPartial bool) {
	s.mu.Lock()
	s.keepPartial = keepPartial
	if s.cancelRun != nil {
		s.cancelRun(errCancelRequested)
	}
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	log := output.GetLogger("transfer").With().Str("session", s.ID.String()).Str("dest", s.req.Destination).Logger()
	stopTicker := make(chan struct{})
	go s.publishLoop(stopTicker)
	defer close(stopTicker)

	for {
		runCtx, cancel := context.WithCancelCause(ctx)
		s.mu.Lock()
		s.cancelRun = cancel
		s.state = progress.StateDownloading
		s.mu.Unlock()
		// A Cancel issued before cancelRun was stored only closed cancelCh;
		// honor it now instead of downloading to completion.
		select {
		case <-s.cancelCh:
			cancel(errCancelRequested)
		default:
		}

		err := s.downloadAll(runCtx)
		cause := context.Cause(runCtx)
		cancel(nil)

		switch {
		case errors.Is(cause, errPauseRequested):
			log.Debug().Msg("Session paused")
			s.setState(progress.StatePaused)
			select {
			case <-s.resumeCh:
				log.Debug().Msg("Session resumed")
				continue
			case <-s.cancelCh:
				s.teardownPartial()
				s.finish(progress.StateCancelled, nil)
				return
			case <-ctx.Done():
				s.teardownPartial()
				s.finish(progress.StateCancelled, ctx.Err())
				return
			}
		case errors.Is(cause, errCancelRequested):
			log.Debug().Bool("keepPartial", s.keepPartial).Msg("Session cancelled")
			s.teardownPartial()
			s.finish(progress.StateCancelled, nil)
			return
		case ctx.Err() != nil:
			s.teardownPartial()
			s.finish(progress.StateCancelled, ctx.Err())
			return
		case err != nil:
			s.finish(progress.StateFailed, err)
			return
		default:
			s.setState(progress.StateVerifying)
			if err := s.assemble(); err != nil {
				s.finish(progress.StateFailed, err)
				return
			}
			s.finish(progress.StateCompleted, nil)
			return
		}
	}
}

func (s *Session) downloadAll(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, seg := range s.segments {
		if seg.completed.Load() {
			continue
		}
		wg.Add(1)
		go func(seg *segment) {
			defer wg.Done()
			if err := s.downloadSegment(ctx, seg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(seg)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if firstErr != nil {
		return firstErr
	}
	for _, seg := range s.segments {
		if !seg.completed.Load() {
			return fmt.Errorf("segment %d did not complete", seg.id)
		}
	}
	return nil
}

func (s *Session) confirmedBytes() int64 {
	var total int64
	for _, seg := range s.segments {
		total += seg.confirmed.Load()
	}
	return total
}

// publishLoop aggregates per-segment counters into periodic snapshots.
func (s *Session) publishLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastBytes int64
	lastTime := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			done := s.confirmedBytes()
			now := time.Now()
			elapsed := now.Sub(lastTime).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(done-lastBytes) / elapsed
			}
			lastBytes = done
			lastTime = now
			var eta time.Duration
			if speed > 0 && s.totalSize > 0 {
				eta = time.Duration(float64(s.totalSize-done)/speed) * time.Second
			}
			s.pub.Publish(progress.Snapshot{
				Title:      s.req.Title,
				Session:    s.ID.String(),
				Op:         progress.OpDownload,
				State:      s.State(),
				BytesDone:  done,
				BytesTotal: s.totalSize,
				Current:    s.req.Destination,
				Speed:      speed,
				ETA:        eta,
			})
		}
	}
}

func (s *Session) setState(state progress.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) finish(state progress.State, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
	s.pub.Publish(progress.Snapshot{
		Title:      s.req.Title,
		Session:    s.ID.String(),
		Op:         progress.OpDownload,
		State:      state,
		BytesDone:  s.confirmedBytes(),
		BytesTotal: s.totalSize,
		Current:    s.req.Destination,
		Err:        err,
	})
	if s.ownPub {
		s.pub.Close()
	}
	releasePath(s.req.Destination)
	close(s.done)
}

func (s *Session) teardownPartial() {
	s.mu.Lock()
	keep := s.keepPartial
	s.mu.Unlock()
	if keep {
		return
	}
	log := output.GetLogger("transfer")
	if err := utils.CleanTemp(s.req.Destination); err != nil {
		log.Debug().Err(err).Msg("Error removing partial files")
	}
}
