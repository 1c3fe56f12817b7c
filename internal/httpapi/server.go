// Package httpapi exposes a running session over a small local JSON API.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/user/docchat/internal/archive"
	"github.com/user/docchat/internal/docs"
	"github.com/user/docchat/internal/render"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/transcript"
	"github.com/user/docchat/internal/usage"
)

// Conversation is the session surface the API drives.
type Conversation interface {
	Snapshot() session.Snapshot
	SendQuery(text, threadID string)
	FetchHistory(threadID string)
	RequestUsage()
	Reconnect()
	SetThread(threadID string)
}

// FrameSource returns the most recent archived frames.
type FrameSource interface {
	Tail(limit int) ([]*archive.Frame, error)
}

// Server is the HTTP handler for the local API.
type Server struct {
	conv    Conversation
	frames  FrameSource
	mux     *http.ServeMux
	limiter *rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit bounds how fast POST requests reach the session.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(r, burst) }
}

// Default limit on session-driving requests.
const (
	DefaultRate  = rate.Limit(5)
	DefaultBurst = 10
)

// NewServer creates a Server. frames may be nil when archiving is off.
func NewServer(conv Conversation, frames FrameSource, opts ...Option) *Server {
	s := &Server{
		conv:    conv,
		frames:  frames,
		mux:     http.NewServeMux(),
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	s.mux.HandleFunc("GET /api/documents", s.handleDocuments)
	s.mux.HandleFunc("GET /api/usage", s.handleUsage)
	s.mux.HandleFunc("GET /api/frames", s.handleFrames)
	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("POST /api/thread", s.handleThread)
	s.mux.HandleFunc("POST /api/history/{thread}", s.handleHistory)
	s.mux.HandleFunc("POST /api/usage/refresh", s.handleUsageRefresh)
	s.mux.HandleFunc("POST /api/reconnect", s.handleReconnect)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
// POST requests beyond the rate limit get 429 without touching the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	State          session.State `json:"state"`
	CallerID       string        `json:"caller_id,omitempty"`
	ActiveThread   string        `json:"active_thread,omitempty"`
	InFlight       bool          `json:"in_flight"`
	QuotaExhausted bool          `json:"quota_exhausted"`
	Failed         bool          `json:"failed"`
	Fatal          bool          `json:"fatal"`
	RetryCount     int           `json:"retry_count"`
	Entries        int           `json:"entries"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.conv.Snapshot()
	writeJSON(w, http.StatusOK, stateResponse{
		State:          snap.State,
		CallerID:       snap.CallerID,
		ActiveThread:   snap.ActiveThread,
		InFlight:       snap.InFlight,
		QuotaExhausted: snap.QuotaExhausted,
		Failed:         snap.Failed,
		Fatal:          snap.Fatal,
		RetryCount:     snap.RetryCount,
		Entries:        len(snap.Entries),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := s.conv.Snapshot().Entries
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	list := s.conv.Snapshot().Documents
	if list == nil {
		list = []docs.Document{}
	}
	writeJSON(w, http.StatusOK, list)
}

type usageResponse struct {
	TokensUsed  int64                 `json:"tokens_used"`
	TokensTotal int64                 `json:"tokens_total"`
	Percent     float64               `json:"percent"`
	Remaining   int64                 `json:"remaining"`
	Threads     []usage.ThreadSummary `json:"threads"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u := s.conv.Snapshot().Usage
	if u == nil {
		writeError(w, http.StatusNotFound, "no usage reported yet")
		return
	}
	threads := u.Search(r.URL.Query().Get("q"))
	if threads == nil {
		threads = []usage.ThreadSummary{}
	}
	writeJSON(w, http.StatusOK, usageResponse{
		TokensUsed:  u.TokensUsed,
		TokensTotal: u.TokensTotal,
		Percent:     u.Percent(),
		Remaining:   u.Remaining(),
		Threads:     threads,
	})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeError(w, http.StatusServiceUnavailable, "frame archive not enabled")
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	frames, err := s.frames.Tail(limit)
	if err != nil {
		slog.Error("tail frames failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if frames == nil {
		frames = []*archive.Frame{}
	}
	writeJSON(w, http.StatusOK, frames)
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	Query    string `json:"query"`
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	s.conv.SendQuery(req.Query, req.ThreadID)
	s.handleState(w, r)
}

// threadRequest is the JSON body for POST /api/thread. An empty thread id
// starts a new conversation.
type threadRequest struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.conv.SetThread(req.ThreadID)
	s.handleState(w, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	thread := r.PathValue("thread")
	if thread == "" {
		writeError(w, http.StatusBadRequest, "thread id required")
		return
	}
	s.conv.FetchHistory(thread)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested", "thread_id": thread})
}

func (s *Server) handleUsageRefresh(w http.ResponseWriter, r *http.Request) {
	s.conv.RequestUsage()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.conv.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := render.Transcript(w, s.conv.Snapshot().Entries); err != nil {
		slog.Warn("render transcript failed", "error", err)
	}
}
