package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Wire form of the chunked manifest endpoint.
type chunkedManifest struct {
	Version       string              `json:"version"`
	ChunkDownload chunkDownloadInfo   `json:"chunk_download"`
	Files         []chunkedFileRecord `json:"files"`
}

type chunkDownloadInfo struct {
	URLPrefix string `json:"url_prefix"`
	URLSuffix string `json:"url_suffix"`
}

type chunkedFileRecord struct {
	Path   string             `json:"path"`
	Size   int64              `json:"size"`
	MD5    string             `json:"md5"`
	Chunks []chunkedChunkInfo `json:"chunks"`
}

type chunkedChunkInfo struct {
	ID               string `json:"id"` // content hash of the decompressed chunk
	Offset           int64  `json:"offset"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
}

// ParseChunked decodes the structured chunk manifest. Every chunk's
// retrieval URL is derived from the manifest's prefix/suffix and the chunk
// hash. Structural problems are fatal; no partial manifest is acted on.
func ParseChunked(r io.Reader) (*Manifest, error) {
	var wire chunkedManifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("malformed chunk manifest: %w", err)
	}
	if len(wire.Files) == 0 {
		return nil, fmt.Errorf("chunk manifest contains no file entries")
	}
	m := &Manifest{Version: wire.Version}
	for _, f := range wire.Files {
		if f.Path == "" || f.MD5 == "" {
			return nil, fmt.Errorf("chunk manifest entry missing path or md5")
		}
		entry := FileEntry{
			Path: f.Path,
			Size: f.Size,
			MD5:  strings.ToLower(f.MD5),
		}
		var offsetSum int64
		for _, c := range f.Chunks {
			if c.ID == "" {
				return nil, fmt.Errorf("file %s has a chunk without an id", f.Path)
			}
			if c.Offset != offsetSum {
				return nil, fmt.Errorf("file %s chunk %s at offset %d, expected %d", f.Path, c.ID, c.Offset, offsetSum)
			}
			entry.Chunks = append(entry.Chunks, ChunkEntry{
				Hash:           strings.ToLower(c.ID),
				Offset:         c.Offset,
				CompressedSize: c.CompressedSize,
				Size:           c.UncompressedSize,
				URL:            chunkURL(wire.ChunkDownload, c.ID),
			})
			offsetSum += c.UncompressedSize
		}
		if len(entry.Chunks) > 0 && offsetSum != f.Size {
			return nil, fmt.Errorf("file %s chunks cover %d bytes, declared size %d", f.Path, offsetSum, f.Size)
		}
		m.Files = append(m.Files, entry)
	}
	return m, nil
}

func chunkURL(info chunkDownloadInfo, id string) string {
	prefix := strings.TrimSuffix(info.URLPrefix, "/")
	return prefix + "/" + id + info.URLSuffix
}
