// Package config loads the per-title configuration that the acquisition
// components are driven by: origin endpoints, manifest format, install
// locations and transfer tuning.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ManifestFormatLegacy  = "legacy"
	ManifestFormatChunked = "chunked"
)

type Title struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name,omitempty"`
	InstallRoot    string   `yaml:"installRoot"`
	APIBase        string   `yaml:"api"`
	ChunkAPI       string   `yaml:"chunkApi,omitempty"`
	Branch         string   `yaml:"branch,omitempty"`
	ManifestFormat string   `yaml:"manifestFormat,omitempty"`
	VoicePacks     []string `yaml:"voicePacks,omitempty"`
	Connections    int      `yaml:"connections,omitempty"`
	SpeedLimit     string   `yaml:"speedLimit,omitempty"`
	DownloadBase   string   `yaml:"downloadBase,omitempty"`
}

// InfoURL is the package-info endpoint (versions, package URLs, patches).
func (t *Title) InfoURL() string {
	return strings.TrimSuffix(t.APIBase, "/") + "/info"
}

// ManifestURL is the reference-manifest endpoint for this title's format.
func (t *Title) ManifestURL() string {
	if t.ManifestFormat == ManifestFormatChunked {
		return t.ChunkAPI
	}
	return strings.TrimSuffix(t.APIBase, "/") + "/pkg_version"
}

// FileURL is the origin address of one install-tree file, used for
// whole-file re-download during repair of legacy titles.
func (t *Title) FileURL(relPath string) string {
	base := t.DownloadBase
	if base == "" {
		base = strings.TrimSuffix(t.APIBase, "/") + "/files"
	}
	return strings.TrimSuffix(base, "/") + "/" + relPath
}

type Config struct {
	CacheDir       string  `yaml:"cacheDir,omitempty"`
	MaxConnections int     `yaml:"maxConnections,omitempty"`
	GlobalSpeedCap string  `yaml:"globalSpeedCap,omitempty"`
	Titles         []Title `yaml:"titles"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.CacheDir = filepath.Join(home, ".lodestone", "cache")
		} else {
			c.CacheDir = ".lodestone-cache"
		}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 64
	}
	for i := range c.Titles {
		t := &c.Titles[i]
		if t.Branch == "" {
			t.Branch = "main"
		}
		if t.ManifestFormat == "" {
			t.ManifestFormat = ManifestFormatLegacy
		}
		if t.Connections == 0 {
			t.Connections = 8
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, t := range c.Titles {
		if t.ID == "" {
			return fmt.Errorf("title with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate title id %q", t.ID)
		}
		seen[t.ID] = true
		if t.InstallRoot == "" {
			return fmt.Errorf("title %q: installRoot is required", t.ID)
		}
		if err := checkURL(t.APIBase); err != nil {
			return fmt.Errorf("title %q: api: %w", t.ID, err)
		}
		if t.ChunkAPI != "" {
			if err := checkURL(t.ChunkAPI); err != nil {
				return fmt.Errorf("title %q: chunkApi: %w", t.ID, err)
			}
		}
		switch t.ManifestFormat {
		case ManifestFormatLegacy, ManifestFormatChunked:
		default:
			return fmt.Errorf("title %q: unknown manifest format %q", t.ID, t.ManifestFormat)
		}
		if t.ManifestFormat == ManifestFormatChunked && t.ChunkAPI == "" {
			return fmt.Errorf("title %q: chunked manifest format requires chunkApi", t.ID)
		}
		if _, err := ParseSize(t.SpeedLimit); err != nil {
			return fmt.Errorf("title %q: speedLimit: %w", t.ID, err)
		}
	}
	if _, err := ParseSize(c.GlobalSpeedCap); err != nil {
		return fmt.Errorf("globalSpeedCap: %w", err)
	}
	return nil
}

// FindTitle returns the title configuration for the given id.
func (c *Config) FindTitle(id string) (*Title, error) {
	for i := range c.Titles {
		if c.Titles[i].ID == id {
			return &c.Titles[i], nil
		}
	}
	return nil, fmt.Errorf("no title configured with id %q", id)
}

// TitleCacheDir is the per-title location for the chunk cache, installed
// manifest and staging areas.
func (c *Config) TitleCacheDir(id string) string {
	return filepath.Join(c.CacheDir, id)
}

// SpeedCapBytes parses a title's configured speed limit into bytes/sec.
func (t *Title) SpeedCapBytes() int64 {
	n, _ := ParseSize(t.SpeedLimit)
	return n
}

func checkURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// ParseSize parses strings like "500KB", "10MB", "1.5GB" or a bare byte
// count into bytes. Empty input yields 0 (unlimited).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(val * float64(multiplier)), nil
}
