// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/dearrow/thumbnail-cache/internal/config"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	"github.com/dearrow/thumbnail-cache/internal/metrics"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/storage"
	"github.com/dearrow/thumbnail-cache/internal/vid"
)

const (
	// waitTimeout bounds how long a request blocks on a render. The job
	// keeps running after a timeout so a follow-up request benefits.
	waitTimeout = 15 * time.Second

	jobTimeout    = 30 * time.Second
	jobFailureTTL = 500 * time.Second
	jobQueuedTTL  = 60 * time.Second
)

// redirectPrefix is the only host failures may redirect to.
const redirectPrefix = "https://i.ytimg.com"

var errQueueFull = errors.New("queue too big")

type thumbnailRequest struct {
	videoID      string
	time         float64
	hasTime      bool
	generateNow  bool
	officialTime bool
	isLivestream bool
	title        string
	redirectURL  string
}

func (s *Server) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.holder.Current()

	req, err := parseThumbnailRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.officialTime && req.hasTime {
		// Fire and forget; a lost best-time write only affects which
		// frame the no-time fallback prefers.
		if err := s.idx.SetBestTime(ctx, req.videoID, req.time); err != nil {
			s.logger.Warn().Err(err).Str("video_id", req.videoID).Msg("failed to record best time")
		}
	}

	if thumb := s.readCached(ctx, req); thumb != nil {
		metrics.ThumbnailRequests.WithLabelValues("hit").Inc()
		s.serveThumbnail(w, req, thumb)
		return
	}

	if !req.hasTime {
		metrics.ThumbnailRequests.WithLabelValues("not_cached").Inc()
		s.fail(w, r, req.redirectURL, "Thumbnail not cached")
		return
	}

	jobID := vid.JobID(req.videoID, req.time)

	// Subscribe before dispatching so a completion published between the
	// enqueue and the wait is never missed.
	sub, err := s.kv.Subscribe(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("subscribe failed")
		s.fail(w, r, req.redirectURL, "Server error")
		return
	}
	defer func() { _ = sub.Close() }()

	job, err := s.dispatch(ctx, cfg, r, jobID, req)
	if errors.Is(err, errQueueFull) {
		metrics.ThumbnailRequests.WithLabelValues("queue_full").Inc()
		s.fail(w, r, req.redirectURL, "Queue too big")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("dispatch failed")
		s.fail(w, r, req.redirectURL, "Server error")
		return
	}

	if job.IsFailed() {
		metrics.ThumbnailRequests.WithLabelValues("failed").Inc()
		s.fail(w, r, req.redirectURL, "Failed to generate thumbnail")
		return
	}

	if !s.shouldWait(ctx, cfg, job, jobID, req.generateNow) {
		metrics.ThumbnailRequests.WithLabelValues("not_ready").Inc()
		s.fail(w, r, req.redirectURL, "Thumbnail not generated yet")
		return
	}

	payload, err := sub.Wait(ctx, waitTimeout)
	if errors.Is(err, kv.ErrWaitTimeout) {
		metrics.ThumbnailRequests.WithLabelValues("timeout").Inc()
		s.fail(w, r, req.redirectURL, "Timed out while waiting for thumbnail")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("wait failed")
		s.fail(w, r, req.redirectURL, "Server error")
		return
	}

	if payload != "true" {
		metrics.ThumbnailRequests.WithLabelValues("failed").Inc()
		s.fail(w, r, req.redirectURL, "Failed to generate thumbnail")
		return
	}

	thumb, err := s.store.ReadImage(ctx, req.videoID, req.time, req.isLivestream)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("read after render failed")
		s.fail(w, r, req.redirectURL, "Server error")
		return
	}
	metrics.ThumbnailRequests.WithLabelValues("generated").Inc()
	s.serveThumbnail(w, req, thumb)
}

func parseThumbnailRequest(r *http.Request) (thumbnailRequest, error) {
	q := r.URL.Query()

	req := thumbnailRequest{
		videoID:      q.Get("videoID"),
		generateNow:  boolParam(q.Get("generateNow")),
		officialTime: boolParam(q.Get("officialTime")),
		isLivestream: boolParam(q.Get("isLivestream")),
		title:        strings.TrimSpace(q.Get("title")),
		redirectURL:  q.Get("redirectUrl"),
	}
	if !vid.ValidID(req.videoID) {
		return req, errors.New("Invalid video ID")
	}
	if raw := q.Get("time"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, errors.New("Invalid time")
		}
		req.time = t
		req.hasTime = true
	}
	return req, nil
}

func boolParam(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// readCached serves the fast path: the exact frame when a time was
// given, the best available frame otherwise.
func (s *Server) readCached(ctx context.Context, req thumbnailRequest) *storage.Thumbnail {
	var thumb *storage.Thumbnail
	var err error
	if req.hasTime {
		thumb, err = s.store.ReadImage(ctx, req.videoID, req.time, req.isLivestream)
	} else {
		thumb, err = s.store.Latest(ctx, req.videoID, req.isLivestream)
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotCached) {
			s.logger.Warn().Err(err).Str("video_id", req.videoID).Msg("cache read failed")
		}
		return nil
	}
	return thumb
}

// dispatch coalesces the request onto an existing job record or enqueues
// a new one. Cross-queue rules: a started record is always adopted; a
// generateNow request upgrades a waiting default-queue record to the
// high queue; a plain request yields its own queued record to an
// existing high-queue one.
func (s *Server) dispatch(ctx context.Context, cfg config.Config, r *http.Request, jobID string, req thumbnailRequest) (*queue.Job, error) {
	queueName, otherName := queue.Default, queue.High
	if req.generateNow {
		queueName, otherName = queue.High, queue.Default
	}

	cur, err := s.queues.Fetch(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	other, err := s.queues.Fetch(ctx, otherName, jobID)
	if err != nil {
		return nil, err
	}

	adopted := cur
	if other != nil {
		switch {
		case other.IsStarted():
			adopted = other
		case queueName == queue.High:
			if err := s.queues.Remove(ctx, queue.Default, jobID); err != nil && !errors.Is(err, queue.ErrNotRemovable) {
				return nil, err
			}
		case cur != nil && cur.State == queue.StateQueued:
			if err := s.queues.Remove(ctx, queue.Default, jobID); err != nil && !errors.Is(err, queue.ErrNotRemovable) {
				return nil, err
			}
			adopted = other
		default:
			adopted = other
		}
	}

	if adopted != nil && !adopted.IsFinished() {
		return adopted, nil
	}
	if adopted.IsFinished() {
		// The file is gone despite a finished record (evicted or corrupt);
		// clear the record and render again.
		if err := s.queues.RemoveStale(ctx, adopted.Queue, jobID); err != nil {
			return nil, err
		}
	}

	n, err := s.queues.Len(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if n > cfg.ThumbnailStorage.MaxQueueSize {
		return nil, errQueueFull
	}

	atFront := cfg.FrontAuth != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(cfg.FrontAuth)) == 1
	return s.queues.Enqueue(ctx, queueName, jobID, queue.Args{
		VideoID:          req.videoID,
		Time:             req.time,
		Title:            req.title,
		IsLivestream:     req.isLivestream,
		UpdateAccounting: true,
	}, queue.Options{
		Timeout:    jobTimeout,
		FailureTTL: jobFailureTTL,
		TTL:        jobQueuedTTL,
		AtFront:    atFront,
	})
}

// shouldWait decides between blocking on the render and returning 204.
// Deep queue positions and a congested high queue both push the caller
// to async mode.
func (s *Server) shouldWait(ctx context.Context, cfg config.Config, job *queue.Job, jobID string, generateNow bool) bool {
	pos := int64(0)
	if p, inQueue, err := s.queues.Position(ctx, job.Queue, jobID); err == nil && inQueue {
		pos = p
	}

	highLen, err := s.queues.Len(ctx, queue.High)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read high queue length")
		return false
	}

	max := cfg.ThumbnailStorage.MaxBeforeAsyncGeneration
	return pos < max && (generateNow || highLen < max)
}

func (s *Server) serveThumbnail(w http.ResponseWriter, req thumbnailRequest, thumb *storage.Thumbnail) {
	h := w.Header()
	h.Set("Content-Type", "image/webp")
	h.Set("X-Timestamp", vid.FormatTime(thumb.Time))
	h.Set("Cache-Control", "public, max-age=3600")

	if title := strings.TrimSpace(thumb.Title); title != "" {
		// HTTP header values are latin-1; a title that cannot be encoded
		// is dropped rather than mangled.
		if _, err := charmap.ISO8859_1.NewEncoder().String(title); err == nil {
			h.Set("X-Title", title)
		}
	}

	if _, err := w.Write(thumb.Image); err != nil {
		s.logger.Warn().Err(err).Str("video_id", req.videoID).Msg("failed to write response body")
	}
}

// fail maps any non-success outcome to the extension's expectations: a
// redirect to the platform's own thumbnail when the caller supplied one,
// a bodyless 204 with the reason header otherwise.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, redirectURL, reason string) {
	if strings.HasPrefix(redirectURL, redirectPrefix) {
		http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("X-Failure-Reason", reason)
	w.WriteHeader(http.StatusNoContent)
}
