package manifest

// DiffResult is the work plan for moving an install from one manifest to
// another. ChunksToFetch is deduplicated by hash and excludes every chunk
// already present in any currently-installed file, not only the file being
// rebuilt; that cross-file reuse is the bandwidth win over a re-download.
type DiffResult struct {
	ChunksToFetch  []ChunkEntry
	FilesToCreate  []FileEntry
	FilesToDelete  []string
	FilesUnchanged []string
}

// Diff computes the plan to transform an install described by old into one
// described by new. old may be nil (fresh install). Diff(m, m) is empty.
func Diff(old, new *Manifest) DiffResult {
	var result DiffResult
	installed := old.ChunkSet()

	oldFiles := make(map[string]*FileEntry)
	if old != nil {
		for i := range old.Files {
			oldFiles[old.Files[i].Path] = &old.Files[i]
		}
	}

	seen := make(map[string]struct{})
	for _, f := range new.Files {
		prev, exists := oldFiles[f.Path]
		if exists && prev.Size == f.Size && prev.MD5 == f.MD5 {
			result.FilesUnchanged = append(result.FilesUnchanged, f.Path)
			continue
		}
		result.FilesToCreate = append(result.FilesToCreate, f)
		for _, c := range f.Chunks {
			if _, have := installed[c.Hash]; have {
				continue
			}
			if _, dup := seen[c.Hash]; dup {
				continue
			}
			seen[c.Hash] = struct{}{}
			result.ChunksToFetch = append(result.ChunksToFetch, c)
		}
	}

	newPaths := make(map[string]struct{}, len(new.Files))
	for _, f := range new.Files {
		newPaths[f.Path] = struct{}{}
	}
	for path := range oldFiles {
		if _, kept := newPaths[path]; !kept {
			result.FilesToDelete = append(result.FilesToDelete, path)
		}
	}
	return result
}

// ReuseIndex maps a chunk hash to a location inside the currently-installed
// tree holding identical content, for copy-instead-of-download reuse.
type FileRegion struct {
	Path   string
	Offset int64
	Size   int64
}

// BuildReuseIndex indexes every chunk of the installed manifest by hash.
func BuildReuseIndex(installed *Manifest) map[string]FileRegion {
	index := make(map[string]FileRegion)
	if installed == nil {
		return index
	}
	for _, f := range installed.Files {
		for _, c := range f.Chunks {
			if _, ok := index[c.Hash]; !ok {
				index[c.Hash] = FileRegion{Path: f.Path, Offset: c.Offset, Size: c.Size}
			}
		}
	}
	return index
}
