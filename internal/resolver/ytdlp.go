// SPDX-License-Identifier: MIT

package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/kv"
)

// ytdlpSemaphoreKey gates concurrent yt-dlp subprocesses across all
// workers; metadata extraction is expensive and rate-limited upstream.
const ytdlpSemaphoreKey = "concurrent_ytdlp"

// Ytdlp resolves formats by running yt-dlp as a subprocess. It is the
// fallback when the player API cannot serve a video.
type Ytdlp struct {
	binary string
	sem    *kv.Semaphore
	logger zerolog.Logger
}

// NewYtdlp builds the subprocess strategy. maxConcurrent bounds the
// number of simultaneous subprocesses fleet-wide.
func NewYtdlp(store *kv.Client, maxConcurrent int, logger zerolog.Logger) *Ytdlp {
	return &Ytdlp{
		binary: "yt-dlp",
		sem:    kv.NewSemaphore(store, ytdlpSemaphoreKey, int64(maxConcurrent)),
		logger: logger,
	}
}

type ytdlpInfo struct {
	ID      string `json:"id"`
	Formats []struct {
		URL    string  `json:"url"`
		Width  int     `json:"width"`
		Height int     `json:"height"`
		FPS    float64 `json:"fps"`
		VCodec string  `json:"vcodec"`
	} `json:"formats"`
}

// Formats implements Strategy.
func (y *Ytdlp) Formats(ctx context.Context, videoID, proxyURL string) ([]Format, error) {
	if err := y.sem.Acquire(ctx, videoID); err != nil {
		return nil, fmt.Errorf("acquire ytdlp slot: %w", err)
	}
	defer func() { _ = y.sem.Release(context.WithoutCancel(ctx), videoID) }()

	args := []string{"-J", "--no-warnings"}
	if proxyURL != "" {
		args = append(args, "--proxy", proxyURL)
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed for %s: %w (%s)", videoID, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var info ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	if info.ID != videoID {
		return nil, fmt.Errorf("yt-dlp returned wrong video ID: %s vs. %s", info.ID, videoID)
	}

	formats := make([]Format, 0, len(info.Formats))
	for _, f := range info.Formats {
		formats = append(formats, Format{
			URL:    f.URL,
			Width:  f.Width,
			Height: f.Height,
			FPS:    int(f.FPS),
			VCodec: f.VCodec,
		})
	}
	y.logger.Debug().
		Str("event", "resolver.ytdlp").
		Str("video_id", videoID).
		Int("formats", len(formats)).
		Msg("resolved via yt-dlp")
	return formats, nil
}
