package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

// probeFileInfo determines the total size of the remote file and whether the
// origin honors byte-range requests. HEAD is tried first; origins that
// mishandle HEAD get a one-byte ranged GET instead.
func probeFileInfo(ctx context.Context, url string, client *utils.LodeHTTPClient) (int64, bool, error) {
	log := output.GetLogger("probe")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 400 {
			ranged := resp.Header.Get("Accept-Ranges") == "bytes"
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				size, perr := strconv.ParseInt(cl, 10, 64)
				if perr == nil && size > 0 {
					return size, ranged, nil
				}
			}
		} else if resp.StatusCode == http.StatusNotFound {
			return 0, false, fmt.Errorf("origin returned 404 for %s", url)
		}
		log.Debug().Int("status", resp.StatusCode).Msg("HEAD probe inconclusive, trying ranged GET")
	} else {
		log.Debug().Err(err).Msg("HEAD probe failed, trying ranged GET")
	}
	return probeWithRangedGet(ctx, url, client)
}

func probeWithRangedGet(ctx context.Context, url string, client *utils.LodeHTTPClient) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("error probing %s: %w", url, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, false, err
		}
		return size, true, nil
	case http.StatusOK:
		// Origin ignored the range request; size may still be known.
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			size, perr := strconv.ParseInt(cl, 10, 64)
			if perr == nil && size > 0 {
				return size, false, nil
			}
		}
		return 0, false, utils.ErrRangeRequestsNotSupported
	default:
		return 0, false, fmt.Errorf("unexpected status code %d probing %s", resp.StatusCode, url)
	}
}

// parseContentRangeTotal extracts the total size from "bytes 0-0/12345".
func parseContentRangeTotal(header string) (int64, error) {
	if header == "" {
		return 0, errors.New("missing Content-Range header")
	}
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("malformed Content-Range header %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, errors.New("origin did not report total size")
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("malformed Content-Range header %q", header)
	}
	return size, nil
}
