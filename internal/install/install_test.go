package install

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
	"github.com/stovon/lodestone/internal/origin"
	"github.com/stovon/lodestone/internal/utils"
)

func TestGovernorReserve(t *testing.T) {
	g := NewGovernor(4, 0)

	granted, release, err := g.Reserve(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 4, granted, "grants are capped at the pool size")

	// Pool is exhausted; the next reservation can only block.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = g.Reserve(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	granted2, release2, err := g.Reserve(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, granted2)
	release2()
}

func TestGovernorPartialGrant(t *testing.T) {
	g := NewGovernor(4, 0)
	_, releaseThree, err := g.Reserve(context.Background(), 3)
	require.NoError(t, err)

	// One slot left: a request for four runs degraded rather than waiting.
	granted, release, err := g.Reserve(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, granted)
	release()
	releaseThree()
}

func TestGovernorLimiter(t *testing.T) {
	g := NewGovernor(2, 0)
	assert.Nil(t, g.GlobalBucket(), "no cap means no bucket")
	require.NotNil(t, g.LimiterFor(0))

	capped := NewGovernor(2, 1<<20)
	assert.NotNil(t, capped.GlobalBucket())
}

type fakeOp struct {
	paused, resumed bool
	cancelledKeep   *bool
}

func (f *fakeOp) Pause()  { f.paused = true }
func (f *fakeOp) Resume() { f.resumed = true }
func (f *fakeOp) Cancel(keepPartial bool) {
	f.cancelledKeep = &keepPartial
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	op := &fakeOp{}
	require.NoError(t, r.Register("title-a", op))
	assert.Error(t, r.Register("title-a", &fakeOp{}), "one operation per title")

	require.NoError(t, r.Pause("title-a"))
	require.NoError(t, r.Resume("title-a"))
	require.NoError(t, r.Cancel("title-a", true))
	assert.True(t, op.paused)
	assert.True(t, op.resumed)
	require.NotNil(t, op.cancelledKeep)
	assert.True(t, *op.cancelledKeep)

	r.Unregister("title-a")
	assert.Error(t, r.Pause("title-a"))
	assert.Error(t, r.Cancel("missing", false))
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

func TestInstallerLegacy(t *testing.T) {
	binContent := []byte("main binary payload")
	dataContent := []byte("main data payload")
	voiceContent := []byte("japanese voice lines")
	mainZip := zipArchive(t, map[string][]byte{"bin/launcher": binContent, "data/base.pak": dataContent})
	voiceZip := zipArchive(t, map[string][]byte{"data/voice_ja.pak": voiceContent})

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"retcode": 0, "data": origin.VersionInfo{
			Latest: origin.Release{
				Version: "1.0.0",
				Main: origin.Package{
					URL: srv.URL + "/pkgs/main.zip", Size: int64(len(mainZip)), MD5: utils.HashBytes(mainZip),
				},
				VoicePacks: []origin.VoicePack{{
					Locale: "ja-jp",
					Package: origin.Package{
						URL: srv.URL + "/pkgs/voice_ja.zip", Size: int64(len(voiceZip)), MD5: utils.HashBytes(voiceZip),
					},
				}},
			},
		}})
		w.Write(body)
	})
	mux.HandleFunc("/pkgs/main.zip", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "main.zip", time.Unix(0, 0), bytes.NewReader(mainZip))
	})
	mux.HandleFunc("/pkgs/voice_ja.zip", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "voice_ja.zip", time.Unix(0, 0), bytes.NewReader(voiceZip))
	})
	mux.HandleFunc("/pkg_version", func(w http.ResponseWriter, r *http.Request) {
		for path, content := range map[string][]byte{
			"bin/launcher":      binContent,
			"data/base.pak":     dataContent,
			"data/voice_ja.pak": voiceContent,
		} {
			line, _ := json.Marshal(map[string]any{"remoteName": path, "md5": utils.HashBytes(content), "fileSize": len(content)})
			fmt.Fprintf(w, "%s\n", line)
		}
	})

	cache, err := chunks.OpenCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	root := t.TempDir()
	cacheDir := t.TempDir()
	installer := &Installer{
		Title: &config.Title{
			ID:             "testtitle",
			InstallRoot:    root,
			APIBase:        srv.URL,
			ManifestFormat: config.ManifestFormatLegacy,
			Connections:    2,
		},
		Client:   utils.NewLodeHTTPClient(utils.HTTPClientConfig{}),
		Cache:    cache,
		Governor: NewGovernor(8, 0),
		CacheDir: cacheDir,
		Locales:  []string{"ja-jp"},
	}
	require.NoError(t, installer.Run(context.Background()))

	for path, want := range map[string][]byte{
		"bin/launcher":      binContent,
		"data/base.pak":     dataContent,
		"data/voice_ja.pak": voiceContent,
	} {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	installed, err := cache.InstalledManifest()
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, "1.0.0", installed.Version)

	_, err = os.Stat(filepath.Join(cacheDir, "install", "1.0.0"))
	assert.True(t, os.IsNotExist(err), "downloaded archives are cleaned up")
}

func TestInstallerUnknownVoicePack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"retcode": 0, "data": origin.VersionInfo{
			Latest: origin.Release{Version: "1.0.0", Main: origin.Package{URL: "https://cdn.example.com/main.zip"}},
		}})
		w.Write(body)
	}))
	defer srv.Close()

	cache, err := chunks.OpenCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	installer := &Installer{
		Title: &config.Title{
			ID: "testtitle", InstallRoot: t.TempDir(), APIBase: srv.URL,
			ManifestFormat: config.ManifestFormatLegacy, Connections: 2,
		},
		Client:   utils.NewLodeHTTPClient(utils.HTTPClientConfig{}),
		Cache:    cache,
		Governor: NewGovernor(4, 0),
		CacheDir: t.TempDir(),
		Locales:  []string{"xx-yy"},
	}
	err = installer.Run(context.Background())
	assert.ErrorContains(t, err, "voice pack")
}
