// ABOUTME: The dashboard HTTP server: chi router, JSON endpoints, UI-state resource, asset delivery.
// ABOUTME: Wires the hub's buffers and the state store behind the shared-secret token check.
package dash

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/neurolive/rtdash/hub"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Server is the dashboard front door. It owns the UI-state document and
// reads (never writes) the hub's stream buffers.
type Server struct {
	cfg    Config
	hub    *hub.Hub
	state  *StateStore
	topics []Topic
	router chi.Router

	session string // ULID identifying this server run
	started time.Time

	connMu     sync.Mutex
	conns      map[string]string // connection ID -> path
	totalConns uint64
}

// NewServer wires a Server from its collaborators. The hub must already be
// constructed (started or not); the state store is created here from the
// watched directory.
func NewServer(cfg Config, h *hub.Hub) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		state:   NewStateStore(cfg.Dir),
		session: ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		started: time.Now(),
		conns:   make(map[string]string),
	}
	s.topics = buildTopics(h, s.state)
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully. WriteTimeout stays zero: SSE responses are deliberately
// unbounded in duration.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(recoverWithTrace)

	r.Get("/", s.handlePage("index.html"))
	r.Get("/kiosk", s.handlePage("kiosk.html"))
	r.Get("/assets/*", s.handleAsset)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(noStore)

		r.Get("/config", s.handleConfig)
		r.Get("/meta", s.handleMeta)
		r.Get("/run_meta", s.handleRunMeta)
		r.Get("/stats", s.handleStats)
		r.Get("/snapshot", s.handleSnapshot)

		r.Get("/state", s.handleStateGet)
		r.Put("/state", s.handleStatePut)
		r.Post("/state", s.handleStatePut)

		r.Get("/sse/stream", s.handleStream)
		r.Get("/sse/{topic}", s.handleTopicSSE)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

// noStore marks API responses uncacheable.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// configPayload is the body of /api/config and of the synthetic config
// topic on the multiplexed SSE endpoint.
func (s *Server) configPayload() map[string]any {
	names := make([]string, len(s.topics))
	for i, t := range s.topics {
		names[i] = t.Name
	}
	return map[string]any{
		"server":            "rtdash",
		"version":           Version,
		"session":           s.session,
		"topics":            names,
		"send_hz":           s.cfg.SendHz,
		"keepalive_sec":     s.cfg.Keepalive,
		"long_poll_max_sec": s.cfg.LongPollMax,
		"server_time":       float64(time.Now().UnixMilli()) / 1000.0,
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configPayload())
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.LatestMeta())
}

// handleRunMeta serves the run metadata sidecar: the compact summary by
// default, the raw file with ?format=raw.
func (s *Server) handleRunMeta(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.cfg.Dir, hub.RunMetaFile)

	if r.URL.Query().Get("format") == "raw" {
		raw, err := os.ReadFile(path)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run meta not available"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	summary := hub.SummarizeRunMeta(path)
	if summary == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": nil})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	buffers := make(map[string]map[string]any, len(s.topics))
	for _, t := range s.topics {
		buffers[t.Name] = map[string]any{
			"oldest_seq": t.Source.OldestSeq(),
			"latest_seq": t.Source.LatestSeq(),
			"len":        t.Source.Len(),
		}
	}

	s.connMu.Lock()
	active := len(s.conns)
	total := s.totalConns
	s.connMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"session":            s.session,
		"uptime_sec":         time.Since(s.started).Seconds(),
		"buffers":            buffers,
		"active_connections": active,
		"total_connections":  total,
	})
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Get())
}

// handleStatePut applies a partial patch to the UI-state document. Unknown
// keys are dropped, not rejected, so older clients keep working.
func (s *Server) handleStatePut(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxStateBody)

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		if isMaxBytesError(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "state patch too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	doc, err := s.state.Apply(patch)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handlePage serves a top-level page from the asset directory, or a plain
// placeholder when no assets are configured. Pages are token-free: they
// carry no data, the API calls they make are not.
func (s *Server) handlePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AssetDir != "" {
			path := filepath.Join(s.cfg.AssetDir, name)
			if _, err := os.Stat(path); err == nil {
				s.serveAssetFile(w, r, path)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "rtdash %s: no dashboard assets configured (asset_dir)\n", Version)
	}
}

// handleAsset serves files under the configured asset directory with weak
// ETags so browsers revalidate cheaply.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AssetDir == "" {
		http.NotFound(w, r)
		return
	}
	rel := chi.URLParam(r, "*")
	if rel == "" || strings.Contains(rel, "..") {
		http.NotFound(w, r)
		return
	}
	s.serveAssetFile(w, r, filepath.Join(s.cfg.AssetDir, filepath.FromSlash(rel)))
}

func (s *Server) serveAssetFile(w http.ResponseWriter, r *http.Request, path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}

	etag := fmt.Sprintf(`W/"%x-%x"`, fi.Size(), fi.ModTime().UnixNano())
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	http.ServeFile(w, r, path)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isMaxBytesError reports whether err (or any error in its chain) is an
// *http.MaxBytesError from the request body size cap.
func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
