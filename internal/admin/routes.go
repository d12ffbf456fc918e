package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mudclock/internal/driver"

	"mudclock/pkg/logx"
)

// Router builds the handler for cfg. Exposed for tests.
func (s *Service) Router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/status", s.handleStatus)
		r.Get("/objects", s.handleObjects)
		r.Get("/incidents", s.handleIncidents)
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type statusResponse struct {
	Summary string          `json:"summary"`
	Driver  driver.Snapshot `json:"driver"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "driver not available")
		return
	}
	snap, err := s.deps.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	summary := snap.State +
		", " + humanize.Comma(int64(len(snap.CallOuts))) + " call-outs pending" +
		", " + humanize.Comma(int64(len(snap.Heartbeats))) + " heartbeats" +
		", " + humanize.Comma(int64(snap.Counters.Episodes)) + " episodes"
	writeJSON(w, http.StatusOK, statusResponse{Summary: summary, Driver: snap})
}

type objectInfo struct {
	ID        string `json:"id"`
	Blueprint string `json:"blueprint"`
}

func (s *Service) handleObjects(w http.ResponseWriter, _ *http.Request) {
	out := []objectInfo{}
	if s.deps.Registry != nil {
		for _, id := range s.deps.Registry.IDs() {
			o, ok := s.deps.Registry.Get(id)
			if !ok {
				continue
			}
			out = append(out, objectInfo{ID: o.ID(), Blueprint: o.Blueprint()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.deps.Store.RecentIncidents(r.Context(), limit)
	if err != nil {
		s.log.Warn("read incidents failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "read incidents failed")
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

