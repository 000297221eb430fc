package hlsdl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/streamkeep/streamkeep/internal/transport"
)

type segment struct {
	url      *url.URL
	duration time.Duration
}

type variant struct {
	url       *url.URL
	bandwidth int64
}

// fetchMediaPlaylist resolves sourceURL down to the list of media segments to
// download. A master playlist is narrowed to the best variant at or below
// the bitrate ceiling first.
func fetchMediaPlaylist(ctx context.Context, client *http.Client, sourceURL string, bitrateCeiling int64) ([]segment, error) {
	base, body, err := fetchPlaylist(ctx, client, sourceURL)
	if err != nil {
		return nil, err
	}

	if isMaster(body) {
		variants, err := parseMaster(base, body)
		if err != nil {
			return nil, err
		}

		picked := pickVariant(variants, bitrateCeiling)

		base, body, err = fetchPlaylist(ctx, client, picked.url.String())
		if err != nil {
			return nil, err
		}
	}

	return parseMedia(base, body)
}

func fetchPlaylist(ctx context.Context, client *http.Client, playlistURL string) (*url.URL, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, "", &transport.PlaylistError{URL: playlistURL, Reason: "invalid URL", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", &transport.PlaylistError{URL: playlistURL, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &transport.PlaylistError{URL: playlistURL, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &transport.PlaylistError{URL: playlistURL, Reason: "read failed", Err: err}
	}

	text := string(body)
	if !strings.HasPrefix(strings.TrimSpace(text), "#EXTM3U") {
		return nil, "", &transport.PlaylistError{URL: playlistURL, Reason: "missing #EXTM3U header"}
	}

	return resp.Request.URL, text, nil
}

func isMaster(body string) bool {
	return strings.Contains(body, "#EXT-X-STREAM-INF")
}

func parseMaster(base *url.URL, body string) ([]variant, error) {
	var variants []variant

	var pending *variant

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pending = &variant{bandwidth: attrInt64(line, "BANDWIDTH")}
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			if pending == nil {
				continue
			}

			u, err := resolveURL(base, line)
			if err != nil {
				return nil, &transport.PlaylistError{URL: base.String(), Reason: "invalid variant URI", Err: err}
			}

			pending.url = u
			variants = append(variants, *pending)
			pending = nil
		}
	}

	if len(variants) == 0 {
		return nil, &transport.PlaylistError{URL: base.String(), Reason: "master playlist has no variants"}
	}

	return variants, nil
}

func parseMedia(base *url.URL, body string) ([]segment, error) {
	var segments []segment

	var pendingDuration time.Duration

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.IndexByte(value, ','); idx >= 0 {
				value = value[:idx]
			}

			seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, &transport.PlaylistError{URL: base.String(), Reason: "invalid EXTINF duration", Err: err}
			}

			pendingDuration = time.Duration(seconds * float64(time.Second))
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			u, err := resolveURL(base, line)
			if err != nil {
				return nil, &transport.PlaylistError{URL: base.String(), Reason: "invalid segment URI", Err: err}
			}

			segments = append(segments, segment{url: u, duration: pendingDuration})
			pendingDuration = 0
		}
	}

	if len(segments) == 0 {
		return nil, &transport.PlaylistError{URL: base.String(), Reason: "media playlist has no segments"}
	}

	return segments, nil
}

// pickVariant returns the highest-bandwidth variant at or below the ceiling,
// falling back to the lowest-bandwidth one when all exceed it. A ceiling of
// zero means unconstrained.
func pickVariant(variants []variant, bitrateCeiling int64) variant {
	best := variant{bandwidth: -1}
	lowest := variants[0]

	for _, v := range variants {
		if v.bandwidth < lowest.bandwidth {
			lowest = v
		}

		if bitrateCeiling > 0 && v.bandwidth > bitrateCeiling {
			continue
		}

		if v.bandwidth > best.bandwidth {
			best = v
		}
	}

	if best.bandwidth < 0 {
		return lowest
	}

	return best
}

func attrInt64(line, name string) int64 {
	for _, attr := range strings.Split(line[strings.IndexByte(line, ':')+1:], ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(attr), "=")
		if !ok || key != name {
			continue
		}

		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}

		return n
	}

	return 0
}

func resolveURL(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}

	return base.ResolveReference(u), nil
}
