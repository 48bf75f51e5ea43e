// Package origin speaks the publisher's package-info API: per-title version
// listings with full-package, delta-patch and voice-pack payload addresses.
package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

// Package is one downloadable payload: a full package, a patch, or a
// voice pack. Size and MD5 are declared by the origin and checked after
// download, before extraction.
type Package struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
}

// Patch transforms one known source version into the target version.
type Patch struct {
	FromVersion string `json:"from_version"`
	Package
}

// VoicePack is an optional locale sub-package.
type VoicePack struct {
	Locale string `json:"locale"`
	Package
}

// Release describes one downloadable version.
type Release struct {
	Version    string      `json:"version"`
	Main       Package     `json:"main"`
	Patches    []Patch     `json:"patches"`
	VoicePacks []VoicePack `json:"voice_packs"`
}

// VersionInfo is the package-info response: the live release plus, during a
// preload window, the upcoming one.
type VersionInfo struct {
	Latest      Release  `json:"latest"`
	PreDownload *Release `json:"pre_download,omitempty"`
}

type apiResponse struct {
	Retcode int          `json:"retcode"`
	Message string       `json:"message"`
	Data    *VersionInfo `json:"data"`
}

// FetchInfo retrieves the package info for a title.
func FetchInfo(ctx context.Context, client *utils.LodeHTTPClient, url string) (*VersionInfo, error) {
	log := output.GetLogger("origin")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching package info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package info endpoint returned status %d", resp.StatusCode)
	}
	var wire apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("malformed package info response: %w", err)
	}
	if wire.Retcode != 0 {
		return nil, fmt.Errorf("package info error %d: %s", wire.Retcode, wire.Message)
	}
	if wire.Data == nil || wire.Data.Latest.Version == "" {
		return nil, fmt.Errorf("package info response has no release data")
	}
	log.Debug().Str("version", wire.Data.Latest.Version).Bool("preload", wire.Data.PreDownload != nil).Msg("Fetched package info")
	return wire.Data, nil
}

// FindVoicePack returns the payload for a locale, or nil.
func (r *Release) FindVoicePack(locale string) *VoicePack {
	for i := range r.VoicePacks {
		if r.VoicePacks[i].Locale == locale {
			return &r.VoicePacks[i]
		}
	}
	return nil
}

// FindPatch returns the patch whose source version matches installed, or nil.
func (r *Release) FindPatch(installed string) *Patch {
	for i := range r.Patches {
		if r.Patches[i].FromVersion == installed {
			return &r.Patches[i]
		}
	}
	return nil
}
