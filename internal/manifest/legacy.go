package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// legacyEntry is one line of the legacy listing, e.g.
// {"remoteName": "data/base.pak", "md5": "abc...", "fileSize": 1048576}
type legacyEntry struct {
	RemoteName string `json:"remoteName"`
	MD5        string `json:"md5"`
	FileSize   int64  `json:"fileSize"`
}

// ParseLegacy decodes a newline-delimited JSON file listing. Any malformed
// line is fatal; a partially parsed manifest is never returned.
func ParseLegacy(r io.Reader, version string) (*Manifest, error) {
	m := &Manifest{Version: version}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry legacyEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("malformed manifest line %d: %w", lineNo, err)
		}
		if entry.RemoteName == "" || entry.MD5 == "" {
			return nil, fmt.Errorf("malformed manifest line %d: missing remoteName or md5", lineNo)
		}
		m.Files = append(m.Files, FileEntry{
			Path: entry.RemoteName,
			Size: entry.FileSize,
			MD5:  strings.ToLower(entry.MD5),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("manifest contains no file entries")
	}
	return m, nil
}
