package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

// FetchManifest retrieves and parses the remote manifest for a branch. The
// format selector comes from the per-title configuration.
func FetchManifest(ctx context.Context, client *utils.LodeHTTPClient, endpoint, branch, format string) (*Manifest, error) {
	log := output.GetLogger("manifest")
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest endpoint: %w", err)
	}
	if branch != "" {
		q := u.Query()
		q.Set("branch", branch)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest endpoint returned status %d", resp.StatusCode)
	}

	var m *Manifest
	switch format {
	case config.ManifestFormatChunked:
		m, err = ParseChunked(resp.Body)
	case config.ManifestFormatLegacy:
		m, err = ParseLegacy(resp.Body, branch)
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("endpoint", endpoint).Int("files", len(m.Files)).Str("version", m.Version).Msg("Fetched manifest")
	return m, nil
}
