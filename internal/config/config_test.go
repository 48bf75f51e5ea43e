package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
cacheDir: /tmp/lodestone-cache
globalSpeedCap: 50MB
titles:
  - id: nebula
    name: Nebula Drift
    installRoot: /games/nebula
    api: https://api.example.com/nebula
  - id: aurora
    name: Aurora Gate
    installRoot: /games/aurora
    api: https://api.example.com/aurora
    chunkApi: https://api.example.com/aurora/manifest
    manifestFormat: chunked
    connections: 16
    speedLimit: 10MB
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Titles, 2)

	nebula, err := cfg.FindTitle("nebula")
	require.NoError(t, err)
	assert.Equal(t, "main", nebula.Branch)
	assert.Equal(t, ManifestFormatLegacy, nebula.ManifestFormat)
	assert.Equal(t, 8, nebula.Connections)
	assert.Equal(t, int64(0), nebula.SpeedCapBytes())

	aurora, err := cfg.FindTitle("aurora")
	require.NoError(t, err)
	assert.Equal(t, ManifestFormatChunked, aurora.ManifestFormat)
	assert.Equal(t, 16, aurora.Connections)
	assert.Equal(t, int64(10*1024*1024), aurora.SpeedCapBytes())

	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, filepath.Join("/tmp/lodestone-cache", "aurora"), cfg.TitleCacheDir("aurora"))
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"duplicate id",
			"titles:\n  - {id: x, installRoot: /a, api: https://e.com}\n  - {id: x, installRoot: /b, api: https://e.com}",
			"duplicate title id",
		},
		{
			"missing install root",
			"titles:\n  - {id: x, api: https://e.com}",
			"installRoot is required",
		},
		{
			"bad api scheme",
			"titles:\n  - {id: x, installRoot: /a, api: ftp://e.com}",
			"unsupported scheme",
		},
		{
			"chunked without chunk api",
			"titles:\n  - {id: x, installRoot: /a, api: https://e.com, manifestFormat: chunked}",
			"requires chunkApi",
		},
		{
			"bad speed limit",
			"titles:\n  - {id: x, installRoot: /a, api: https://e.com, speedLimit: fast}",
			"speedLimit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestFindTitleUnknown(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	_, err = cfg.FindTitle("missing")
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"500B", 500},
		{"500KB", 500 * 1024},
		{"10MB", 10 * 1024 * 1024},
		{"1.5GB", 1536 * 1024 * 1024},
		{" 2mb ", 2 * 1024 * 1024},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"fast", "-5MB", "MB"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestTitleURLs(t *testing.T) {
	title := &Title{APIBase: "https://api.example.com/nebula"}
	assert.Equal(t, "https://api.example.com/nebula/info", title.InfoURL())
	assert.Equal(t, "https://api.example.com/nebula/pkg_version", title.ManifestURL())

	title.ManifestFormat = ManifestFormatChunked
	title.ChunkAPI = "https://api.example.com/nebula/manifest"
	assert.Equal(t, "https://api.example.com/nebula/manifest", title.ManifestURL())
}
