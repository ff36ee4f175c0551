// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/pipewatch/runfeed/internal/engine"
	"github.com/pipewatch/runfeed/internal/metrics"
	"github.com/pipewatch/runfeed/internal/query"
	"github.com/pipewatch/runfeed/internal/transport/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type emitRequest struct {
	Event          domain.Event `json:"event"`
	CorrelationIDs []string     `json:"correlation_ids,omitempty"`
	Source         string       `json:"source,omitempty"`
	SkipPersist    bool         `json:"skip_persist,omitempty"`
}

type Deps struct {
	Emitter     EventEmitter
	Buffer      BufferAPI
	Feed        FeedSubscriber
	States      StateReader
	Maintenance MaintenanceRunner
	Facade      *query.Facade
	Logger      *slog.Logger
	AdminToken  string
	Version     string
	Commit      string
	BuildDate   string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- ADMIN ----------------

	if deps.Maintenance != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/retention/sweep", func(w http.ResponseWriter, r *http.Request) {
				deleted, err := deps.Maintenance.SweepRetention(r.Context())
				if err != nil {
					logger.Error("retention sweep failed", "error", err)
					http.Error(w, "retention sweep failed", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
			})

			admin.Post("/flush", func(w http.ResponseWriter, r *http.Request) {
				if err := deps.Maintenance.Flush(r.Context()); err != nil {
					logger.Error("forced flush failed", "error", err)
					http.Error(w, "flush failed", http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	// ---------------- RUNS ----------------

	// ---------------- EMIT EVENT ----------------

	r.Post("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		var reqBody emitRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		seq, err := deps.Emitter.Emit(r.Context(), engine.EmitParams{
			RunID:          runID,
			Event:          reqBody.Event,
			CorrelationIDs: reqBody.CorrelationIDs,
			Source:         reqBody.Source,
			SkipPersist:    reqBody.SkipPersist,
		})
		if err != nil {
			if errors.Is(err, domain.ErrMissingEventType) {
				http.Error(w, "event has no type field", http.StatusBadRequest)
				return
			}
			if errors.Is(err, domain.ErrEngineClosed) {
				http.Error(w, "engine is shutting down", http.StatusServiceUnavailable)
				return
			}
			logger.Error("emit failed", "run_id", runID, "error", err)
			http.Error(w, "failed to emit event", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": runID,
			"seq":    seq,
		})
	})

	// ---------------- BUFFERED READ ----------------

	r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		sinceSeq, err := int64Query(r, "since_seq", 0)
		if err != nil {
			http.Error(w, "invalid since_seq", http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": runID,
			"events": deps.Buffer.Read(runID, sinceSeq),
		})
	})

	// ---------------- LIVE FEED (SSE) ----------------

	r.Get("/runs/{id}/feed", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}
		serveFeed(w, r, runID, deps, logger)
	})

	// ---------------- DURABLE REPLAY / LISTING ----------------

	r.Get("/runs/{id}/log", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		cursor, err := int64Query(r, "cursor", 0)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		limit, err := int64Query(r, "limit", 0)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}

		records, hasMore, err := deps.Facade.List(r.Context(), runID, cursor, int(limit))
		if err != nil {
			logger.Error("durable listing failed", "run_id", runID, "error", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}

		resp := map[string]any{
			"run_id":   runID,
			"records":  records,
			"has_more": hasMore,
		}
		if len(records) > 0 {
			resp["next_cursor"] = records[len(records)-1].ID
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// ---------------- MERGED QUERY ----------------

	r.Get("/runs/{id}/query", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		filter, err := filterFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entries, err := deps.Facade.Query(r.Context(), runID, filter)
		if err != nil {
			logger.Error("merged query failed", "run_id", runID, "error", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":  runID,
			"entries": entries,
		})
	})

	// ---------------- EXPORT ----------------

	r.Get("/runs/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		filter, err := filterFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		format := r.URL.Query().Get("format")
		switch format {
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"-events.csv"))
			if err := deps.Facade.ExportCSV(r.Context(), w, runID, filter); err != nil {
				logger.Error("csv export failed", "run_id", runID, "error", err)
			}
		case "", "json":
			raw, err := deps.Facade.ExportJSON(r.Context(), runID, filter)
			if err != nil {
				logger.Error("json export failed", "run_id", runID, "error", err)
				http.Error(w, "export failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
		default:
			http.Error(w, "unsupported format", http.StatusBadRequest)
		}
	})

	// ---------------- RUN METRICS SNAPSHOT ----------------

	r.Get("/runs/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, deps.Facade.Metrics(runID))
	})

	// ---------------- RUN STATE ----------------

	r.Get("/runs/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		state, err := deps.States.State(r.Context(), runID)
		if err != nil {
			if errors.Is(err, domain.ErrRunStateNotFound) {
				http.Error(w, "run state not found", http.StatusNotFound)
				return
			}
			logger.Error("get run state failed", "run_id", runID, "error", err)
			http.Error(w, "failed to get run state", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, state)
	})

	// ---------------- CLEAR BUFFER ----------------

	r.Delete("/runs/{id}/buffer", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := runIDParam(w, r)
		if !ok {
			return
		}

		deps.Buffer.ClearBuffer(runID)
		logger.Info("buffer cleared via API", "run_id", runID)
		w.WriteHeader(http.StatusNoContent)
	})

	// ---------------- BUFFER STATS ----------------

	r.Get("/buffer/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"runs": deps.Buffer.BufferStats(),
		})
	})

	return r
}

// serveFeed frames the engine's subscription channel as server-sent events.
// The buffered backlog is replayed after subscribing, so the
// sequence-then-buffer-then-publish ordering guarantees no gap; duplicates
// across the replay/live boundary are skipped by sequence.
func serveFeed(w http.ResponseWriter, r *http.Request, runID string, deps Deps, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sinceSeq, err := int64Query(r, "since_seq", 0)
	if err != nil {
		http.Error(w, "invalid since_seq", http.StatusBadRequest)
		return
	}
	if lastID := strings.TrimSpace(r.Header.Get("Last-Event-ID")); lastID != "" {
		parsed, err := strconv.ParseInt(lastID, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		sinceSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subID, ch := deps.Feed.Subscribe(runID)
	defer deps.Feed.Unsubscribe(runID, subID)

	lastSent := sinceSeq
	for _, buffered := range deps.Buffer.Read(runID, sinceSeq) {
		writeSSE(w, engine.Delivery{
			RunID:     runID,
			Sequence:  buffered.Sequence,
			Event:     buffered.Event,
			Timestamp: buffered.Timestamp,
		})
		lastSent = buffered.Sequence
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case d, open := <-ch:
			if !open {
				return
			}
			if d.Sequence <= lastSent {
				continue
			}
			writeSSE(w, d)
			lastSent = d.Sequence
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, d engine.Delivery) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", d.Sequence, raw)
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if runID == "" {
		http.Error(w, "missing run ID", http.StatusBadRequest)
		return "", false
	}
	return runID, true
}

func int64Query(r *http.Request, key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return parsed, nil
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	filter := query.Filter{
		Level:  q.Get("level"),
		Stage:  q.Get("stage"),
		Type:   q.Get("type"),
		Search: q.Get("search"),
	}

	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query.Filter{}, fmt.Errorf("invalid from timestamp")
		}
		filter.From = parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query.Filter{}, fmt.Errorf("invalid to timestamp")
		}
		filter.To = parsed
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
