package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// HashBytes returns the lowercase hex MD5 of the given data. The publisher
// origin declares MD5 digests for files, chunks and archives alike.
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams the file through MD5 with a bounded buffer, so memory use
// is independent of file size.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, DefaultBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func NormalizeHex(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
