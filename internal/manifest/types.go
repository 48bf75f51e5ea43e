// Package manifest models the publisher's version manifests and computes
// the chunk-level difference between two of them. Two encodings exist at
// the origin: a legacy newline-delimited JSON listing (path, md5, size per
// line) and a chunked manifest that additionally decomposes each file into
// content-addressed chunks.
package manifest

type Manifest struct {
	Version string
	Files   []FileEntry
}

// FileEntry describes one file of a version. Chunks is empty for legacy
// manifests.
type FileEntry struct {
	Path   string
	Size   int64
	MD5    string
	Chunks []ChunkEntry
}

// ChunkEntry is a content-addressed unit of a file. The hash identifies the
// decompressed content and doubles as the retrieval key at the origin.
type ChunkEntry struct {
	Hash           string
	Offset         int64
	CompressedSize int64
	Size           int64 // decompressed
	URL            string
}

// Chunked reports whether this manifest carries chunk decompositions.
func (m *Manifest) Chunked() bool {
	for _, f := range m.Files {
		if len(f.Chunks) > 0 {
			return true
		}
	}
	return false
}

// FindFile returns the entry for the given relative path, or nil.
func (m *Manifest) FindFile(path string) *FileEntry {
	for i := range m.Files {
		if m.Files[i].Path == path {
			return &m.Files[i]
		}
	}
	return nil
}

// ChunkSet returns the set of chunk hashes referenced anywhere in the
// manifest, i.e. the chunks present on disk for an intact install.
func (m *Manifest) ChunkSet() map[string]struct{} {
	set := make(map[string]struct{})
	if m == nil {
		return set
	}
	for _, f := range m.Files {
		for _, c := range f.Chunks {
			set[c.Hash] = struct{}{}
		}
	}
	return set
}

// TotalSize sums the declared sizes of all files.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}
