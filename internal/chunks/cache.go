// Package chunks implements the content-addressed chunk store: a persistent
// per-title cache of verified chunk payloads, a bounded-parallel chunk
// fetcher, and the file reconstructor that turns manifest chunk lists into
// on-disk files.
package chunks

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/stovon/lodestone/internal/manifest"
)

var buckets = struct {
	Chunks    []byte
	Manifests []byte
}{
	Chunks:    []byte("chunks"),
	Manifests: []byte("manifests"),
}

var installedKey = []byte("installed")

// Cache stores decompressed, hash-verified chunk payloads under a per-title
// cache directory. The bbolt database indexes which hashes are present so
// an interrupted operation never re-fetches chunks it already has.
type Cache struct {
	dir string
	db  *bbolt.DB
}

func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("error creating cache directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "chunks.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening chunk index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(buckets.Chunks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(buckets.Manifests)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing chunk index: %w", err)
	}
	return &Cache{dir: dir, db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) objectPath(hash string) string {
	return filepath.Join(c.dir, "objects", hash)
}

// Has reports whether a verified payload for the hash is present.
func (c *Cache) Has(hash string) bool {
	var indexed bool
	_ = c.db.View(func(tx *bbolt.Tx) error {
		indexed = tx.Bucket(buckets.Chunks).Get([]byte(hash)) != nil
		return nil
	})
	if !indexed {
		return false
	}
	_, err := os.Stat(c.objectPath(hash))
	return err == nil
}

// Put stores a verified payload. The caller must have checked the hash.
func (c *Cache) Put(hash string, data []byte) error {
	path := c.objectPath(hash)
	tmp, err := os.CreateTemp(filepath.Dir(path), "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("error creating chunk temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("error writing chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error storing chunk: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		size := make([]byte, 8)
		binary.BigEndian.PutUint64(size, uint64(len(data)))
		return tx.Bucket(buckets.Chunks).Put([]byte(hash), size)
	})
}

// Open returns a reader over the stored payload for the hash.
func (c *Cache) Open(hash string) (io.ReadCloser, error) {
	if !c.Has(hash) {
		return nil, fmt.Errorf("chunk %s not in cache", hash)
	}
	return os.Open(c.objectPath(hash))
}

// ReadAll returns the stored payload for the hash.
func (c *Cache) ReadAll(hash string) ([]byte, error) {
	if !c.Has(hash) {
		return nil, fmt.Errorf("chunk %s not in cache", hash)
	}
	return os.ReadFile(c.objectPath(hash))
}

// Drop removes a cached payload, forcing the next fetch to re-download it.
func (c *Cache) Drop(hash string) error {
	if err := os.Remove(c.objectPath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(buckets.Chunks).Delete([]byte(hash))
	})
}

// InstalledManifest loads the persisted reference manifest for the install,
// or nil when none has been recorded yet.
func (c *Cache) InstalledManifest() (*manifest.Manifest, error) {
	var data []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(buckets.Manifests).Get(installedKey); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding installed manifest: %w", err)
	}
	return &m, nil
}

// SaveInstalledManifest records the manifest describing the current install.
func (c *Cache) SaveInstalledManifest(m *manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(buckets.Manifests).Put(installedKey, data)
	})
}
