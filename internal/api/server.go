// SPDX-License-Identifier: MIT

// Package api provides the dispatcher's HTTP surface: the public
// getThumbnail endpoint and the operator endpoints (status, clearQueue,
// floatie, metrics).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/config"
	"github.com/dearrow/thumbnail-cache/internal/index"
	"github.com/dearrow/thumbnail-cache/internal/kv"
	"github.com/dearrow/thumbnail-cache/internal/queue"
	"github.com/dearrow/thumbnail-cache/internal/storage"
)

// repoHomeURL is where the root path redirects.
const repoHomeURL = "https://github.com/ajayyy/DeArrowThumbnailCache"

// FloatieFetcher serves the raw player payload for the diagnostic
// endpoint.
type FloatieFetcher interface {
	FetchRaw(ctx context.Context, videoID, proxyURL string) (json.RawMessage, error)
}

// Server is the dispatcher HTTP server.
type Server struct {
	holder  *config.Holder
	store   *storage.Store
	idx     *index.Index
	kv      *kv.Client
	queues  *queue.Queues
	floatie FloatieFetcher
	logger  zerolog.Logger
}

// NewServer wires the dispatcher surface. floatie may be nil when the
// player strategy is disabled; the diagnostic endpoint then returns 500.
func NewServer(holder *config.Holder, store *storage.Store, idx *index.Index,
	kvc *kv.Client, queues *queue.Queues, floatie FloatieFetcher, logger zerolog.Logger) *Server {
	return &Server{
		holder:  holder,
		store:   store,
		idx:     idx,
		kv:      kvc,
		queues:  queues,
		floatie: floatie,
		logger:  logger,
	}
}

// Router builds the chi router with the full middleware stack. The
// caller registers the queue collector (see cmd/dispatcher) so /metrics
// reports live queue depths alongside the render counters.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(cors)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, repoHomeURL, http.StatusTemporaryRedirect)
	})
	r.Get("/api/v1/getThumbnail", s.handleGetThumbnail)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/api/v1/clearQueue", s.handleClearQueue)
		r.Get("/api/v1/floatie", s.handleFloatie)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// cors applies the permissive policy the browser extension depends on.
// Every response exposes the custom headers so scripts can read them.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", "X-Timestamp, X-Title, X-Failure-Reason")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "*")
			h.Set("Access-Control-Allow-Headers", "*")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
