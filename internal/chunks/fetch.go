package chunks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/ratelimit"
	"github.com/stovon/lodestone/internal/utils"
)

const DefaultChunkConcurrency = 6

// Fetcher downloads missing chunks in parallel, verifies each on arrival
// and stores the decompressed payload in the cache. A chunk whose hash
// doesn't match its content is re-fetched, never silently accepted.
type Fetcher struct {
	Client      *utils.LodeHTTPClient
	Cache       *Cache
	Concurrency int
	Retries     int
	Limiter     *ratelimit.Limiter

	decoder     *zstd.Decoder
	decoderOnce sync.Once
}

// Progress reports counts after each chunk lands.
type FetchProgress func(done, total int, bytes int64)

// FetchChunks downloads every chunk in the set that the cache doesn't
// already hold. Downloads across chunks complete in any order.
func (f *Fetcher) FetchChunks(ctx context.Context, set []manifest.ChunkEntry, onProgress FetchProgress) error {
	log := output.GetLogger("chunks")
	concurrency := f.Concurrency
	if concurrency < 1 {
		concurrency = DefaultChunkConcurrency
	}
	retries := f.Retries
	if retries < 1 {
		retries = utils.DefaultChunkRetries
	}

	var done atomic.Int64
	var bytes atomic.Int64
	total := len(set)

	tasks := make(chan manifest.ChunkEntry)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range tasks {
				mu.Lock()
				failed := firstErr != nil
				mu.Unlock()
				if failed || ctx.Err() != nil {
					continue
				}
				err := f.fetchOne(ctx, chunk, retries)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				bytes.Add(chunk.Size)
				if onProgress != nil {
					onProgress(int(done.Add(1)), total, bytes.Load())
				} else {
					done.Add(1)
				}
			}
		}()
	}

	for _, chunk := range set {
		tasks <- chunk
	}
	close(tasks)
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if firstErr != nil {
		return firstErr
	}
	log.Debug().Int("chunks", total).Int64("bytes", bytes.Load()).Msg("Chunk set fetched")
	return nil
}

// FetchOne downloads a single chunk, bypassing nothing but the cache check
// when force is set.
func (f *Fetcher) FetchOne(ctx context.Context, chunk manifest.ChunkEntry, force bool) error {
	if force {
		if err := f.Cache.Drop(chunk.Hash); err != nil {
			return err
		}
	}
	retries := f.Retries
	if retries < 1 {
		retries = utils.DefaultChunkRetries
	}
	return f.fetchOne(ctx, chunk, retries)
}

func (f *Fetcher) fetchOne(ctx context.Context, chunk manifest.ChunkEntry, retries int) error {
	log := output.GetLogger("chunks").With().Str("hash", chunk.Hash).Logger()
	if f.Cache.Has(chunk.Hash) {
		log.Debug().Msg("Chunk already cached, skipping")
		return nil
	}
	partFile := filepath.Join(f.Cache.Dir(), "objects", chunk.Hash+".part")

	var lastErr error
	for retry := range retries {
		if retry > 0 {
			select {
			case <-time.After(time.Duration(retry) * 500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		payload, err := f.downloadPayload(ctx, chunk, partFile)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			log.Debug().Err(err).Int("attempt", retry+1).Msg("Error downloading chunk")
			continue
		}
		data, err := f.decompress(chunk, payload)
		if err != nil {
			lastErr = err
			os.Remove(partFile)
			log.Debug().Err(err).Msg("Error decompressing chunk, re-fetching")
			continue
		}
		if got := utils.HashBytes(data); got != chunk.Hash {
			lastErr = fmt.Errorf("chunk hash mismatch: expected %s, got %s", chunk.Hash, got)
			os.Remove(partFile)
			log.Debug().Str("got", got).Msg("Chunk hash mismatch, re-fetching")
			continue
		}
		os.Remove(partFile)
		return f.Cache.Put(chunk.Hash, data)
	}
	return fmt.Errorf("chunk %s failed after %d attempts: %w", chunk.Hash, retries, lastErr)
}

// downloadPayload fetches the compressed payload, resuming from the part
// file when a prior attempt was interrupted.
func (f *Fetcher) downloadPayload(ctx context.Context, chunk manifest.ChunkEntry, partFile string) ([]byte, error) {
	expected := chunk.CompressedSize
	if expected == 0 {
		expected = chunk.Size
	}
	var resumeOffset int64
	if info, err := os.Stat(partFile); err == nil {
		resumeOffset = info.Size()
		if resumeOffset >= expected {
			os.Remove(partFile)
			resumeOffset = 0
		}
	}

	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	out, err := os.OpenFile(partFile, flag, 0644)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunk.URL, nil)
	if err != nil {
		out.Close()
		return nil, err
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		out.Close()
		return nil, err
	}
	defer resp.Body.Close()

	if resumeOffset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Origin won't resume this one; start over.
		out.Close()
		out, err = os.OpenFile(partFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, err
		}
		resumeOffset = 0
	} else if resumeOffset == 0 && resp.StatusCode != http.StatusOK {
		out.Close()
		return nil, fmt.Errorf("unexpected status code %d for chunk", resp.StatusCode)
	}

	buf := make([]byte, 256*1024)
	written := resumeOffset
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := f.Limiter.WaitN(ctx, n); err != nil {
				out.Close()
				return nil, err
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return nil, werr
			}
			written += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			out.Close()
			return nil, readErr
		}
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	if written != expected {
		return nil, fmt.Errorf("chunk payload size mismatch: expected %d, got %d", expected, written)
	}
	return os.ReadFile(partFile)
}

func (f *Fetcher) decompress(chunk manifest.ChunkEntry, payload []byte) ([]byte, error) {
	if chunk.CompressedSize == 0 || chunk.CompressedSize == chunk.Size {
		return payload, nil
	}
	var err error
	f.decoderOnce.Do(func() {
		f.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	if err != nil {
		return nil, err
	}
	if f.decoder == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	data, err := f.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("error decompressing chunk: %w", err)
	}
	if int64(len(data)) != chunk.Size {
		return nil, fmt.Errorf("decompressed chunk is %d bytes, expected %d", len(data), chunk.Size)
	}
	return data, nil
}
