package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/docchat/internal/archive"
	"github.com/user/docchat/internal/docs"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/transcript"
	"github.com/user/docchat/internal/usage"
)

type mockConversation struct {
	snap session.Snapshot

	lastQuery   string
	lastThread  string
	history     string
	setThread   *string
	usageCalls  int
	reconnected bool
}

func (m *mockConversation) Snapshot() session.Snapshot { return m.snap }

func (m *mockConversation) SendQuery(text, threadID string) {
	m.lastQuery = text
	m.lastThread = threadID
}

func (m *mockConversation) FetchHistory(threadID string) { m.history = threadID }
func (m *mockConversation) RequestUsage()                { m.usageCalls++ }
func (m *mockConversation) Reconnect()                   { m.reconnected = true }
func (m *mockConversation) SetThread(threadID string)    { m.setThread = &threadID }

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(&mockConversation{}, nil)
	w := do(t, srv, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStateEndpoint(t *testing.T) {
	conv := &mockConversation{snap: session.Snapshot{
		State:        session.StateOpen,
		CallerID:     "u-1",
		ActiveThread: "t1",
		InFlight:     true,
		Entries:      []transcript.Entry{{ID: "1", Kind: transcript.KindUser, Content: "Q"}},
	}}
	w := do(t, NewServer(conv, nil), http.MethodGet, "/api/state", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["state"] != "open" {
		t.Errorf("expected state open, got %v", resp["state"])
	}
	if resp["active_thread"] != "t1" || resp["in_flight"] != true {
		t.Errorf("unexpected state %v", resp)
	}
	if resp["entries"] != float64(1) {
		t.Errorf("expected 1 entry, got %v", resp["entries"])
	}
}

func TestTranscriptAndDocumentsEmpty(t *testing.T) {
	srv := NewServer(&mockConversation{}, nil)

	for _, path := range []string{"/api/transcript", "/api/documents"} {
		w := do(t, srv, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("%s: expected empty array, got %s", path, w.Body.String())
		}
	}
}

func TestDocumentsEndpoint(t *testing.T) {
	conv := &mockConversation{snap: session.Snapshot{
		Documents: []docs.Document{{Name: "a.pdf", URL: "https://docs.example/a.pdf", ID: "a_pdf"}},
	}}
	w := do(t, NewServer(conv, nil), http.MethodGet, "/api/documents", "")

	var got []docs.Document
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a_pdf" {
		t.Errorf("unexpected documents %+v", got)
	}
}

func TestQueryEndpoint(t *testing.T) {
	conv := &mockConversation{}
	srv := NewServer(conv, nil)

	w := do(t, srv, http.MethodPost, "/api/query", `{"query":"  What is LCR? ","thread_id":"t2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if conv.lastQuery != "What is LCR?" || conv.lastThread != "t2" {
		t.Errorf("unexpected query %q on %q", conv.lastQuery, conv.lastThread)
	}
}

func TestQueryEndpointValidation(t *testing.T) {
	srv := NewServer(&mockConversation{}, nil)

	if w := do(t, srv, http.MethodPost, "/api/query", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/query", `{"query":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty query, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/query", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestActionEndpoints(t *testing.T) {
	conv := &mockConversation{}
	srv := NewServer(conv, nil)

	if w := do(t, srv, http.MethodPost, "/api/history/t7", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for history, got %d", w.Code)
	}
	if conv.history != "t7" {
		t.Errorf("expected history for t7, got %q", conv.history)
	}

	if w := do(t, srv, http.MethodPost, "/api/usage/refresh", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for usage refresh, got %d", w.Code)
	}
	if conv.usageCalls != 1 {
		t.Errorf("expected one usage request, got %d", conv.usageCalls)
	}

	if w := do(t, srv, http.MethodPost, "/api/reconnect", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for reconnect, got %d", w.Code)
	}
	if !conv.reconnected {
		t.Error("expected reconnect")
	}

	if w := do(t, srv, http.MethodPost, "/api/thread", `{"thread_id":""}`); w.Code != http.StatusOK {
		t.Errorf("expected 200 for thread switch, got %d", w.Code)
	}
	if conv.setThread == nil || *conv.setThread != "" {
		t.Errorf("expected new conversation, got %v", conv.setThread)
	}
}

func TestUsageEndpoint(t *testing.T) {
	conv := &mockConversation{}
	srv := NewServer(conv, nil)

	if w := do(t, srv, http.MethodGet, "/api/usage", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before usage arrives, got %d", w.Code)
	}

	conv.snap.Usage = &usage.Snapshot{
		TokensUsed:  2500,
		TokensTotal: 5000,
		Threads: []usage.ThreadSummary{
			{ID: "t1", InitialMessage: "Basel leverage"},
			{ID: "t2", InitialMessage: "Liquidity coverage"},
		},
	}
	w := do(t, srv, http.MethodGet, "/api/usage?q=LIQUID", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp usageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Percent != 50 || resp.Remaining != 2500 {
		t.Errorf("unexpected meter %+v", resp)
	}
	if len(resp.Threads) != 1 || resp.Threads[0].ID != "t2" {
		t.Errorf("expected filtered threads, got %+v", resp.Threads)
	}
}

func TestFramesEndpoint(t *testing.T) {
	if w := do(t, NewServer(&mockConversation{}, nil), http.MethodGet, "/api/frames", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without archive, got %d", w.Code)
	}

	log := archive.NewFrameLog(filepath.Join(t.TempDir(), "frames.jsonl"))
	for _, kind := range []string{"user_assigned", "ack", "response_complete"} {
		if err := log.Record(kind, "t1", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	w := do(t, NewServer(&mockConversation{}, log), http.MethodGet, "/api/frames?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var frames []archive.Frame
	if err := json.NewDecoder(w.Body).Decode(&frames); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[1].Kind != "response_complete" {
		t.Errorf("unexpected frames %+v", frames)
	}
}

func TestIndexRendersTranscript(t *testing.T) {
	conv := &mockConversation{snap: session.Snapshot{Entries: []transcript.Entry{
		{ID: "1", Kind: transcript.KindUser, Content: "Q"},
		{ID: "2", Kind: transcript.KindAI, Content: "A"},
	}}}
	w := do(t, NewServer(conv, nil), http.MethodGet, "/", "")

	if w.Body.String() != "you> Q\nai> A\n" {
		t.Errorf("unexpected index %q", w.Body.String())
	}
	if w := do(t, NewServer(conv, nil), http.MethodGet, "/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", w.Code)
	}
}

func TestPostRateLimit(t *testing.T) {
	conv := &mockConversation{}
	srv := NewServer(conv, nil, WithRateLimit(rate.Every(time.Hour), 2))

	for i := 0; i < 2; i++ {
		if w := do(t, srv, http.MethodPost, "/api/usage/refresh", ""); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, w.Code)
		}
	}
	if w := do(t, srv, http.MethodPost, "/api/usage/refresh", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", w.Code)
	}
	if conv.usageCalls != 2 {
		t.Errorf("expected limited request to be dropped, got %d calls", conv.usageCalls)
	}
	if w := do(t, srv, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected reads to bypass the limit, got %d", w.Code)
	}
}
