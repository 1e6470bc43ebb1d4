// SPDX-License-Identifier: MIT

// Package resolver turns a video ID into a playable URL for the
// extractor. Two strategies exist: the Innertube player API ("floatie")
// and a yt-dlp subprocess fallback. Outcomes are tagged so callers can
// tell a geoblocked video (give up, no retry) from a transient failure
// (retry once through a proxy).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrLoginRequired marks videos that need an authenticated session.
var ErrLoginRequired = errors.New("login required")

// UnplayableError marks videos the platform refuses to play (geoblock,
// removal, premiere placeholder). Not retryable.
type UnplayableError struct {
	Reason string
}

func (e *UnplayableError) Error() string {
	return fmt.Sprintf("not playable: %s", e.Reason)
}

// Format is one adaptive format from either strategy.
type Format struct {
	URL      string `json:"url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps"`
	MimeType string `json:"mimeType"`
	VCodec   string `json:"vcodec"`
}

// PlaybackURL is the chosen format for a render.
type PlaybackURL struct {
	URL    string
	Width  int
	Height int
	FPS    int
}

// Config selects and orders the strategies.
type Config struct {
	TryFloatie        bool
	TryFloatieForLive bool
	TryYtdlp          bool
	DefaultMaxHeight  int
}

// Strategy fetches the raw format list for a video.
type Strategy interface {
	Formats(ctx context.Context, videoID, proxyURL string) ([]Format, error)
}

// Resolver composes the strategies.
type Resolver struct {
	cfg     Config
	floatie Strategy
	ytdlp   Strategy
	logger  zerolog.Logger
}

// New builds a resolver. Either strategy may be nil when disabled.
func New(cfg Config, floatie, ytdlp Strategy, logger zerolog.Logger) *Resolver {
	return &Resolver{cfg: cfg, floatie: floatie, ytdlp: ytdlp, logger: logger}
}

// PlaybackURL resolves videoID to the tallest format not exceeding the
// configured height. An UnplayableError propagates as-is so the render
// task can give up without retrying.
func (r *Resolver) PlaybackURL(ctx context.Context, videoID, proxyURL string, isLivestream bool) (PlaybackURL, error) {
	urls, err := r.playbackURLs(ctx, videoID, proxyURL, isLivestream)
	if err != nil {
		return PlaybackURL{}, err
	}

	for _, u := range urls {
		if u.Height <= r.cfg.DefaultMaxHeight {
			return u, nil
		}
	}
	return PlaybackURL{}, fmt.Errorf("no playback URL with height <= %d for %s", r.cfg.DefaultMaxHeight, videoID)
}

func (r *Resolver) playbackURLs(ctx context.Context, videoID, proxyURL string, isLivestream bool) ([]PlaybackURL, error) {
	var formats []Format
	var errs []error

	useFloatie := r.floatie != nil && (r.cfg.TryFloatie || (r.cfg.TryFloatieForLive && isLivestream))
	if useFloatie {
		got, err := r.floatie.Formats(ctx, videoID, proxyURL)
		var unplayable *UnplayableError
		switch {
		case errors.As(err, &unplayable):
			// Geoblocked or otherwise refused: let the client generate
			// its own frame instead of retrying.
			return nil, err
		case err != nil:
			r.logger.Warn().Err(err).Str("video_id", videoID).Msg("floatie resolution failed")
			errs = append(errs, err)
		default:
			formats = got
		}
	}

	if formats == nil && r.cfg.TryYtdlp && r.ytdlp != nil {
		got, err := r.ytdlp.Formats(ctx, videoID, proxyURL)
		if err != nil {
			errs = append(errs, err)
		} else {
			formats = got
		}
	}

	if formats == nil {
		return nil, fmt.Errorf("failed to fetch playback URLs for %s: %w", videoID, errors.Join(errs...))
	}
	return selectFormats(formats), nil
}

// selectFormats applies the format preferences: AV1 when any format has
// it, formats without a height dropped, tallest first.
func selectFormats(formats []Format) []PlaybackURL {
	hasAV1 := false
	for _, f := range formats {
		if formatHasAV1(f) {
			hasAV1 = true
			break
		}
	}

	urls := make([]PlaybackURL, 0, len(formats))
	for _, f := range formats {
		if hasAV1 && !formatHasAV1(f) {
			continue
		}
		if f.Height == 0 {
			continue
		}
		urls = append(urls, PlaybackURL{URL: f.URL, Width: f.Width, Height: f.Height, FPS: f.FPS})
	}

	sort.SliceStable(urls, func(i, j int) bool { return urls[i].Height > urls[j].Height })
	return urls
}

func formatHasAV1(f Format) bool {
	return strings.Contains(f.MimeType, "av01") || strings.Contains(f.VCodec, "av01")
}
