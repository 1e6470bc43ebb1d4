// SPDX-License-Identifier: MIT

// Package storage owns the on-disk thumbnail layout:
//
//	<root>/<videoID>/<time>[-live].webp   image payload
//	<root>/<videoID>/<time>.txt           optional UTF-8 title
//
// The extractor child process writes image files directly; this package
// reads them back, attaches title metadata, and keeps the last-used
// index current. Image files at or below MinImageBytes are treated as
// corrupt and deleted on discovery.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/vid"
)

const (
	// ImageExt is the extension of every thumbnail payload.
	ImageExt = ".webp"
	// MetaExt is the extension of title metadata files.
	MetaExt = ".txt"
	// LiveSuffix marks images extracted from a live stream.
	LiveSuffix = "-live"
	// MinImageBytes is the corruption threshold: images at or below this
	// size are placeholders or truncated writes and never valid entries.
	MinImageBytes = 200
)

// ErrNotCached signals that no valid thumbnail exists for the request.
var ErrNotCached = errors.New("thumbnail not cached")

// Thumbnail is a cached frame with its stored timestamp and optional title.
type Thumbnail struct {
	Image []byte
	Time  float64
	Title string
}

// Store reads and writes the thumbnail directory tree.
type Store struct {
	root   string
	index  *index.Index
	logger zerolog.Logger
}

// New builds a Store rooted at root.
func New(root string, idx *index.Index, logger zerolog.Logger) *Store {
	return &Store{root: root, index: idx, logger: logger}
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// FolderPath returns the directory holding videoID's thumbnails.
func (s *Store) FolderPath(videoID string) string {
	return filepath.Join(s.root, videoID)
}

// ImagePath returns the image path for (videoID, time, isLivestream).
func (s *Store) ImagePath(videoID string, t float64, isLivestream bool) string {
	stem := vid.FormatTime(t)
	if isLivestream {
		stem += LiveSuffix
	}
	return filepath.Join(s.root, videoID, stem+ImageExt)
}

// MetaPath returns the title metadata path for (videoID, time).
func (s *Store) MetaPath(videoID string, t float64) string {
	return filepath.Join(s.root, videoID, vid.FormatTime(t)+MetaExt)
}

// EnsureFolder creates the video directory if needed. Idempotent.
func (s *Store) EnsureFolder(videoID string) error {
	return os.MkdirAll(s.FolderPath(videoID), 0o755)
}

// ReadImage loads the thumbnail at (videoID, time, isLivestream),
// attaching the title when a metadata file exists. A missing or
// zero-byte image is a cache miss. When the exact stem is absent the
// directory is scanned once for a stored higher-precision time that
// truncates to the same millisecond. A successful read touches the
// last-used index.
func (s *Store) ReadImage(ctx context.Context, videoID string, t float64, isLivestream bool) (*Thumbnail, error) {
	if !vid.ValidID(videoID) {
		return nil, fmt.Errorf("invalid video ID: %q", videoID)
	}

	data, err := os.ReadFile(s.ImagePath(videoID, t, isLivestream))
	if errors.Is(err, os.ErrNotExist) {
		stored, ok := s.Locate(videoID, t, isLivestream)
		if !ok {
			return nil, ErrNotCached
		}
		t = stored
		data, err = os.ReadFile(s.ImagePath(videoID, t, isLivestream))
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotCached
	}

	thumb := &Thumbnail{Image: data, Time: t}
	if meta, err := os.ReadFile(s.MetaPath(videoID, t)); err == nil {
		thumb.Title = string(meta)
	}

	if err := s.index.TouchLastUsed(ctx, videoID); err != nil {
		s.logger.Warn().Err(err).Str("video_id", videoID).Msg("failed to touch last-used index")
	}
	return thumb, nil
}

// Locate scans the video directory once for an image whose stem starts
// with floor(t*1000)/1000. Callers that compute times at millisecond
// precision stay interoperable with stored frame-aligned times.
func (s *Store) Locate(videoID string, t float64, isLivestream bool) (float64, bool) {
	entries, err := os.ReadDir(s.FolderPath(videoID))
	if err != nil {
		return 0, false
	}

	prefix := vid.FormatTime(math.Floor(t*1000) / 1000)
	for _, entry := range entries {
		stem, live, ok := imageStem(entry.Name())
		if !ok || live != isLivestream {
			continue
		}
		if !strings.HasPrefix(stem, prefix) {
			continue
		}
		stored, err := strconv.ParseFloat(stem, 64)
		if err != nil {
			continue
		}
		return stored, true
	}
	return 0, false
}

// Latest returns the preferred thumbnail for videoID without a specific
// time: the best-time record wins if its file exists, then the image
// matching the most recent title metadata, then the most recent image.
func (s *Store) Latest(ctx context.Context, videoID string, isLivestream bool) (*Thumbnail, error) {
	if !vid.ValidID(videoID) {
		return nil, fmt.Errorf("invalid video ID: %q", videoID)
	}

	if best, ok, err := s.index.BestTime(ctx, videoID); err == nil && ok {
		if _, statErr := os.Stat(s.ImagePath(videoID, best, isLivestream)); statErr == nil {
			return s.ReadImage(ctx, videoID, best, isLivestream)
		}
	}

	names, err := s.namesByMtimeDesc(videoID)
	if err != nil {
		return nil, err
	}

	// Most recent title metadata first: a thumbnail somebody titled is
	// probably the best one.
	for _, name := range names {
		if strings.HasSuffix(name, MetaExt) {
			if t, err := strconv.ParseFloat(strings.TrimSuffix(name, MetaExt), 64); err == nil {
				return s.ReadImage(ctx, videoID, t, isLivestream)
			}
		}
	}
	for _, name := range names {
		if stem, live, ok := imageStem(name); ok && live == isLivestream {
			if t, err := strconv.ParseFloat(stem, 64); err == nil {
				return s.ReadImage(ctx, videoID, t, isLivestream)
			}
		}
	}
	return nil, ErrNotCached
}

// WriteTitle stores the UTF-8 title metadata atomically.
func (s *Store) WriteTitle(videoID string, t float64, title string) error {
	if err := s.EnsureFolder(videoID); err != nil {
		return err
	}
	return renameio.WriteFile(s.MetaPath(videoID, t), []byte(title), 0o644)
}

// VideoDirs lists the video directories under the storage root in
// filesystem enumeration order.
func (s *Store) VideoDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// RemoveVideoDir deletes a video's directory tree.
func (s *Store) RemoveVideoDir(videoID string) error {
	return os.RemoveAll(s.FolderPath(videoID))
}

// RemovePartial deletes a possibly partial extractor output, ignoring
// already-missing files.
func RemovePartial(path string) {
	_ = os.Remove(path)
}

// FolderSize walks path recursively, summing file sizes and counting the
// immediate entries. Corrupt images (at or below MinImageBytes) are
// deleted during the scan and excluded from the total.
func (s *Store) FolderSize(path string) (total int64, entryCount int64, err error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	for _, entry := range entries {
		entryCount++
		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			sub, _, err := s.FolderSize(full)
			if err != nil {
				return 0, 0, err
			}
			total += sub
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasSuffix(entry.Name(), ImageExt) && info.Size() <= MinImageBytes {
			s.logger.Info().
				Str("event", "storage.corrupt_image").
				Str("path", full).
				Int64("size", info.Size()).
				Msg("deleting corrupt image")
			_ = os.Remove(full)
			continue
		}
		total += info.Size()
	}
	return total, entryCount, nil
}

func (s *Store) namesByMtimeDesc(videoID string) ([]string, error) {
	entries, err := os.ReadDir(s.FolderPath(videoID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, err
	}

	type nameMtime struct {
		name  string
		mtime int64
	}
	files := make([]nameMtime, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, nameMtime{entry.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// imageStem splits an image filename into its time stem and livestream
// flag. Returns ok=false for non-image files.
func imageStem(name string) (stem string, live bool, ok bool) {
	if !strings.HasSuffix(name, ImageExt) {
		return "", false, false
	}
	stem = strings.TrimSuffix(name, ImageExt)
	if strings.HasSuffix(stem, LiveSuffix) {
		return strings.TrimSuffix(stem, LiveSuffix), true, true
	}
	return stem, false, true
}
