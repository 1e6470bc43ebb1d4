// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/vid"
)

type workerStatus struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	VideoID      string `json:"video_id,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

type statusResponse struct {
	Queues  map[string]queue.Counts `json:"queues"`
	Workers []workerStatus          `json:"workers"`
}

// handleStatus reports queue depths and the worker registry. Job details
// on workers are revealed only to authenticated callers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.holder.Current()
	q := r.URL.Query()

	authorized := cfg.StatusAuthPassword != "" &&
		subtle.ConstantTimeCompare([]byte(q.Get("auth")), []byte(cfg.StatusAuthPassword)) == 1
	includeDefault := q.Get("includeDefault") != "false"

	resp := statusResponse{
		Queues:  map[string]queue.Counts{},
		Workers: []workerStatus{},
	}

	names := []string{queue.High}
	if includeDefault {
		names = append(names, queue.Default)
	}
	for _, name := range names {
		counts, err := s.queues.Counts(ctx, name)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", name).Msg("failed to read queue counts")
			http.Error(w, "Server error", http.StatusInternalServerError)
			return
		}
		resp.Queues[name] = counts
	}

	// A broken worker registry degrades to an empty list; queue counts
	// alone are still useful for dashboards.
	workers, err := s.queues.Workers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read worker registry")
		workers = nil
	}
	for _, info := range workers {
		ws := workerStatus{Name: info.Name, State: info.State, UpdatedAt: info.UpdatedAt}
		if authorized {
			ws.CurrentJobID = info.CurrentJobID
			ws.VideoID = info.VideoID
		}
		resp.Workers = append(resp.Workers, ws)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode status response")
	}
}

// handleClearQueue drains the selected queues. Unauthorized calls get
// the same empty 204 as authorized ones; this endpoint does not confirm
// whether the secret was right.
func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.holder.Current()
	q := r.URL.Query()

	authorized := cfg.StatusAuthPassword != "" &&
		subtle.ConstantTimeCompare([]byte(q.Get("auth")), []byte(cfg.StatusAuthPassword)) == 1
	if authorized {
		clearLow := q.Get("low") != "false"
		clearHigh := q.Get("high") == "true"

		if clearLow {
			if n, err := s.queues.Drain(ctx, queue.Default); err != nil {
				s.logger.Error().Err(err).Msg("failed to drain default queue")
			} else {
				s.logger.Info().Str("event", "queue.cleared").Str("queue", queue.Default).Int("drained", n).Msg("queue cleared")
			}
		}
		if clearHigh {
			if n, err := s.queues.Drain(ctx, queue.High); err != nil {
				s.logger.Error().Err(err).Msg("failed to drain high queue")
			} else {
				s.logger.Info().Str("event", "queue.cleared").Str("queue", queue.High).Int("drained", n).Msg("queue cleared")
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleFloatie proxies the raw player payload for diagnostics.
func (s *Server) handleFloatie(w http.ResponseWriter, r *http.Request) {
	cfg := s.holder.Current()
	q := r.URL.Query()

	if cfg.FloatieAuth == "" ||
		subtle.ConstantTimeCompare([]byte(q.Get("auth")), []byte(cfg.FloatieAuth)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	videoID := q.Get("videoID")
	if !vid.ValidID(videoID) {
		http.Error(w, "Invalid video ID", http.StatusBadRequest)
		return
	}
	if s.floatie == nil {
		http.Error(w, "Player API strategy is disabled", http.StatusInternalServerError)
		return
	}

	raw, err := s.floatie.FetchRaw(r.Context(), videoID, "")
	if err != nil {
		s.logger.Error().Err(err).Str("video_id", videoID).Msg("floatie fetch failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write floatie response")
	}
}
