package update

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stovon/lodestone/internal/chunks"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/origin"
	"github.com/stovon/lodestone/internal/utils"
)

func infoResponse(t *testing.T, info origin.VersionInfo) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"retcode": 0, "message": "OK", "data": info})
	require.NoError(t, err)
	return body
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server, installRoot, format string) *Orchestrator {
	t.Helper()
	cache, err := chunks.OpenCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return &Orchestrator{
		Title: &config.Title{
			ID:             "testtitle",
			InstallRoot:    installRoot,
			APIBase:        srv.URL,
			ChunkAPI:       srv.URL + "/manifest",
			ManifestFormat: format,
			Connections:    2,
		},
		Client:   utils.NewLodeHTTPClient(utils.HTTPClientConfig{}),
		Cache:    cache,
		CacheDir: t.TempDir(),
	}
}

func TestCheckDecisions(t *testing.T) {
	info := origin.VersionInfo{
		Latest: origin.Release{
			Version: "1.2.0",
			Main:    origin.Package{URL: "https://cdn.example.com/full.zip"},
			Patches: []origin.Patch{
				{FromVersion: "1.1.0", Package: origin.Package{URL: "https://cdn.example.com/patch.zip"}},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(infoResponse(t, info))
	}))
	defer srv.Close()

	cases := []struct {
		installed string
		action    Action
		hasPatch  bool
	}{
		{"1.2.0", ActionUpToDate, false},
		{"1.3.0", ActionUpToDate, false},
		{"1.1.0", ActionPatch, true},
		{"1.0.0", ActionFull, false}, // no patch source matches
		{"", ActionFull, false},      // nothing installed
	}
	for _, tc := range cases {
		t.Run("installed="+tc.installed, func(t *testing.T) {
			o := newTestOrchestrator(t, srv, t.TempDir(), config.ManifestFormatLegacy)
			o.InstalledVersion = tc.installed
			decision, err := o.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.action, decision.Action)
			assert.Equal(t, tc.hasPatch, decision.Patch != nil)
		})
	}
}

func TestCheckRejectsUnparseableVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(infoResponse(t, origin.VersionInfo{Latest: origin.Release{Version: "1.2.0"}}))
	}))
	defer srv.Close()
	o := newTestOrchestrator(t, srv, t.TempDir(), config.ManifestFormatLegacy)
	o.InstalledVersion = "not-a-version"
	_, err := o.Check(context.Background())
	assert.ErrorContains(t, err, "invalid installed version")
}

func TestCheckSurfacesOriginError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retcode": -1, "message": "maintenance"}`))
	}))
	defer srv.Close()
	o := newTestOrchestrator(t, srv, t.TempDir(), config.ManifestFormatLegacy)
	_, err := o.Check(context.Background())
	assert.ErrorContains(t, err, "maintenance")
}

func zipArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUpdateLegacyViaPatch(t *testing.T) {
	oldContent := []byte("game data v1.0.0")
	newContent := []byte("game data v1.1.0, now improved")
	stable := []byte("untouched between versions")
	patchZip := zipArchive(t, map[string][]byte{"data/game.pak": newContent})

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write(infoResponse(t, origin.VersionInfo{
			Latest: origin.Release{
				Version: "1.1.0",
				Main:    origin.Package{URL: srv.URL + "/pkgs/full.zip"},
				Patches: []origin.Patch{{
					FromVersion: "1.0.0",
					Package: origin.Package{
						URL:  srv.URL + "/pkgs/patch.zip",
						Size: int64(len(patchZip)),
						MD5:  utils.HashBytes(patchZip),
					},
				}},
			},
		}))
	})
	mux.HandleFunc("/pkgs/patch.zip", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "patch.zip", time.Unix(0, 0), bytes.NewReader(patchZip))
	})
	mux.HandleFunc("/pkg_version", func(w http.ResponseWriter, r *http.Request) {
		for path, content := range map[string][]byte{"data/game.pak": newContent, "data/stable.pak": stable} {
			line, _ := json.Marshal(map[string]any{"remoteName": path, "md5": utils.HashBytes(content), "fileSize": len(content)})
			fmt.Fprintf(w, "%s\n", line)
		}
	})

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "game.pak"), oldContent, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "stable.pak"), stable, 0644))

	o := newTestOrchestrator(t, srv, root, config.ManifestFormatLegacy)
	o.InstalledVersion = "1.0.0"
	require.NoError(t, o.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "data", "game.pak"))
	require.NoError(t, err)
	assert.Equal(t, newContent, got)
	unchanged, err := os.ReadFile(filepath.Join(root, "data", "stable.pak"))
	require.NoError(t, err)
	assert.Equal(t, stable, unchanged)

	installed, err := o.Cache.InstalledManifest()
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, "1.1.0", installed.Version)

	_, err = os.Stat(o.stagingDir("1.1.0"))
	assert.True(t, os.IsNotExist(err), "staging is removed after the swap")
}

func TestUpdateChunked(t *testing.T) {
	keep := bytes.Repeat([]byte{0x01}, 512)
	oldPart := bytes.Repeat([]byte{0x02}, 512)
	newPart := bytes.Repeat([]byte{0x03}, 512)
	hKeep, hOld, hNew := utils.HashBytes(keep), utils.HashBytes(oldPart), utils.HashBytes(newPart)

	oldMan := &manifest.Manifest{
		Version: "1.0.0",
		Files: []manifest.FileEntry{
			{Path: "keep.bin", Size: 512, MD5: utils.HashBytes(keep),
				Chunks: []manifest.ChunkEntry{{Hash: hKeep, Offset: 0, Size: 512}}},
			{Path: "changed.bin", Size: 512, MD5: utils.HashBytes(oldPart),
				Chunks: []manifest.ChunkEntry{{Hash: hOld, Offset: 0, Size: 512}}},
			{Path: "doomed.bin", Size: 512, MD5: utils.HashBytes(oldPart),
				Chunks: []manifest.ChunkEntry{{Hash: hOld, Offset: 0, Size: 512}}},
		},
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write(infoResponse(t, origin.VersionInfo{Latest: origin.Release{Version: "1.1.0", Main: origin.Package{URL: srv.URL + "/pkgs/full.zip"}}}))
	})
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"version": "1.1.0",
			"chunk_download": {"url_prefix": "%s/chunks"},
			"files": [
				{"path": "keep.bin", "size": 512, "md5": "%s",
					"chunks": [{"id": "%s", "offset": 0, "uncompressed_size": 512}]},
				{"path": "changed.bin", "size": 512, "md5": "%s",
					"chunks": [{"id": "%s", "offset": 0, "uncompressed_size": 512}]}
			]
		}`, srv.URL, utils.HashBytes(keep), hKeep, utils.HashBytes(newPart), hNew)
	})
	mux.HandleFunc("/chunks/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chunks/"+hNew {
			w.Write(newPart)
			return
		}
		http.NotFound(w, r)
	})

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.bin"), keep, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "changed.bin"), oldPart, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "doomed.bin"), oldPart, 0644))

	o := newTestOrchestrator(t, srv, root, config.ManifestFormatChunked)
	require.NoError(t, o.Cache.SaveInstalledManifest(oldMan))
	require.NoError(t, o.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "changed.bin"))
	require.NoError(t, err)
	assert.Equal(t, newPart, got)

	unchanged, err := os.ReadFile(filepath.Join(root, "keep.bin"))
	require.NoError(t, err)
	assert.Equal(t, keep, unchanged)

	_, err = os.Stat(filepath.Join(root, "doomed.bin"))
	assert.True(t, os.IsNotExist(err), "files dropped from the manifest are deleted")

	installed, err := o.Cache.InstalledManifest()
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", installed.Version)
}

func TestPreloadRequiresPendingRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(infoResponse(t, origin.VersionInfo{Latest: origin.Release{Version: "1.0.0"}}))
	}))
	defer srv.Close()
	o := newTestOrchestrator(t, srv, t.TempDir(), config.ManifestFormatLegacy)
	err := o.Preload(context.Background())
	assert.ErrorContains(t, err, "no preload")
}

func TestStagedArchiveReady(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.zip")
	content := []byte("archive bytes")
	require.NoError(t, os.WriteFile(path, content, 0644))
	pkg := origin.Package{Size: int64(len(content)), MD5: utils.HashBytes(content)}

	ok, err := stagedArchiveReady(path, pkg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = stagedArchiveReady(filepath.Join(dir, "missing.zip"), pkg)
	require.NoError(t, err)
	assert.False(t, ok)

	pkg.MD5 = "0123456789abcdef0123456789abcdef"
	ok, err = stagedArchiveReady(path, pkg)
	require.NoError(t, err)
	assert.False(t, ok)
}
