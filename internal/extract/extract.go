// SPDX-License-Identifier: MIT

// Package extract invokes the external ffmpeg child process to seek and
// decode a single frame. Media decoding itself stays outside the
// service boundary; this package only builds the invocation and bounds
// its wall-clock time.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/rs/zerolog"
)

// Timeout is the extractor's wall-clock limit.
const Timeout = 20 * time.Second

// Request describes one frame extraction.
type Request struct {
	Input    string  // playback URL or staged local file
	Output   string  // image path the extractor writes directly
	Seek     float64 // frame-aligned seek position in seconds
	ProxyURL string  // optional: route the fetch through this proxy
}

// Extractor produces one frame image per request.
type Extractor interface {
	ExtractFrame(ctx context.Context, req Request) error
}

// FFmpeg shells out to the ffmpeg binary via ffmpeg-go.
type FFmpeg struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewFFmpeg builds the default extractor.
func NewFFmpeg(logger zerolog.Logger) *FFmpeg {
	return &FFmpeg{logger: logger, timeout: Timeout}
}

// ExtractFrame seeks to req.Seek in the input and emits one webp frame
// (lossless=0, pixel format bgra). On failure any partial output is
// removed so a truncated file never looks like a cache entry.
func (f *FFmpeg) ExtractFrame(ctx context.Context, req Request) error {
	inputArgs := ffmpeg.KwArgs{"ss": req.Seek}
	if req.ProxyURL != "" {
		inputArgs["http_proxy"] = req.ProxyURL
	}

	var stderr bytes.Buffer
	cmd := ffmpeg.
		Input(req.Input, inputArgs).
		Output(req.Output, ffmpeg.KwArgs{
			"vframes":  1,
			"lossless": 0,
			"pix_fmt":  "bgra",
		}).
		OverWriteOutput().
		WithErrorOutput(&stderr).
		Compile()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			_ = os.Remove(req.Output)
			return fmt.Errorf("ffmpeg failed: %w (%s)", err, tail(stderr.Bytes()))
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		_ = os.Remove(req.Output)
		return fmt.Errorf("ffmpeg timed out after %s", f.timeout)
	}

	f.logger.Debug().
		Str("event", "extract.done").
		Str("output", req.Output).
		Dur("duration", time.Since(start)).
		Msg("frame extracted")
	return nil
}

// tail keeps the last part of ffmpeg's stderr for error messages.
func tail(b []byte) []byte {
	const max = 512
	if len(b) <= max {
		return b
	}
	return b[len(b)-max:]
}
