package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roach88/streamtable/internal/handler"
)

type loggerKey struct{}

// LoggerFrom returns the request-scoped logger installed by the request
// logging middleware, or slog.Default().
func LoggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Handle("/ws", s.ws)
	r.Get("/healthz", s.handleHealth)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/tables", s.diag.ServeHTTP)
		r.Get("/connections", s.handleConnections)
		r.Get("/cache", s.handleCache)
	})
	return r
}

// logRequests tags each request with an ID, from X-Request-ID if the
// client sent one, and logs its outcome.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := s.logger.With("request_id", requestID, "method", r.Method, "path", r.URL.Path)
		r = r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger))

		next.ServeHTTP(ww, r)

		logger.Debug("request complete", "status", ww.status, "duration", time.Since(start))
	})
}

// statusWriter records the response status. It passes Hijack through so
// the WebSocket upgrade still works behind it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		LoggerFrom(r.Context()).Warn("writing response", "error", err)
	}
}

// Health is the /healthz body.
type Health struct {
	Status      string `json:"status"`
	Tables      int    `json:"tables"`
	Connections int    `json:"connections"`
	LiveTables  int    `json:"live_tables"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, Health{
		Status:      "ok",
		Tables:      len(s.names),
		Connections: len(s.Connections()),
		LiveTables:  s.diag.Len(),
	})
}

// ConnectionInfo is one /debug/connections entry.
type ConnectionInfo struct {
	ID       string `json:"id"`
	Sender   string `json:"sender,omitempty"`
	Status   string `json:"status"`
	Buffered int    `json:"buffered"`
	Outgoing int    `json:"outgoing_streams"`
	Incoming int    `json:"incoming_streams"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.Connections()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		outgoing, incoming := c.ActiveStreams()
		out = append(out, ConnectionInfo{
			ID:       c.ID(),
			Sender:   c.Sender(),
			Status:   string(c.Status()),
			Buffered: c.Buffered(),
			Outgoing: outgoing,
			Incoming: incoming,
		})
	}
	writeJSON(w, r, out)
}

// CacheEntry is one /debug/cache entry.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Func        string    `json:"func"`
	Refs        int       `json:"refs"`
	ExpireAt    time.Time `json:"expire_at,omitzero"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	out := []CacheEntry{}
	if s.cache != nil {
		for _, it := range s.cache.Items() {
			out = append(out, CacheEntry{
				Fingerprint: it.Fingerprint(),
				Func:        handler.FuncName(it.Params()),
				Refs:        it.Refs(),
				ExpireAt:    it.ExpireAt(),
			})
		}
	}
	writeJSON(w, r, out)
}
