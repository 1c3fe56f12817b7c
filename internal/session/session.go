// Package session keeps one live connection to the retrieval backend, bootstraps
// the caller identity on every open and folds inbound frames into a transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/docchat/internal/docs"
	"github.com/user/docchat/internal/identity"
	"github.com/user/docchat/internal/protocol"
	"github.com/user/docchat/internal/transcript"
	"github.com/user/docchat/internal/usage"
)

// Status lines appended to the transcript by the session itself.
const (
	TextNotConnected   = "Cannot send message: not connected."
	TextReconnected    = "Reconnected to server."
	TextInvalidUser    = "Invalid user ID. Please retry to reconnect."
	TextConnectionLost = "Connection lost. Please reload to reconnect."
)

// State is the connection state. Sending is only allowed in StateOpen, which is
// entered when the server confirms the caller identity.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Store persists the caller identity between runs.
type Store interface {
	Load() (identity.Record, error)
	SaveCaller(id string) error
	SaveThread(id string) error
	Clear() error
}

// FrameRecorder receives every raw inbound frame.
type FrameRecorder interface {
	Record(kind, threadID string, raw []byte) error
}

// Config holds the connection settings.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DocsBaseURL      string
	Retry            RetryPolicy
	// SettleDelay is how long a history replay shows its loader before the
	// rebuilt transcript is swapped in.
	SettleDelay time.Duration
	// ResponseTimeout gives up on an in-flight query after this long without a
	// server event. Zero disables it.
	ResponseTimeout time.Duration
	TotalTokens     int64
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 && c.Retry.InitialDelay <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.TotalTokens <= 0 {
		c.TotalTokens = usage.DefaultTotalTokens
	}
}

// Option configures a Session.
type Option func(*Session)

// WithRecorder archives raw inbound frames.
func WithRecorder(r FrameRecorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithResume requests the history of threadID once the identity is confirmed.
func WithResume(threadID string) Option {
	return func(s *Session) { s.resume = threadID }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Snapshot is a consistent copy of the session's observable state.
type Snapshot struct {
	State          State              `json:"state"`
	CallerID       string             `json:"caller_id,omitempty"`
	ActiveThread   string             `json:"active_thread,omitempty"`
	InFlight       bool               `json:"in_flight"`
	QuotaExhausted bool               `json:"quota_exhausted"`
	Failed         bool               `json:"failed"`
	Fatal          bool               `json:"fatal"`
	RetryCount     int                `json:"retry_count"`
	Entries        []transcript.Entry `json:"entries"`
	Documents      []docs.Document    `json:"documents"`
	Usage          *usage.Snapshot    `json:"usage,omitempty"`
}

// Session is the client side of one caller's conversation. All transitions run
// under a single mutex, so frames, timers and user calls are applied one at a
// time in arrival order.
type Session struct {
	cfg      Config
	store    Store
	recorder FrameRecorder
	dialer   *websocket.Dialer
	resume   string

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	conn       *websocket.Conn
	gen        int
	state      State
	callerID   string
	retryCount int
	fatal      bool
	opened     bool
	closed     bool

	reducer *transcript.Reducer
	usage   *usage.Snapshot

	retryTimer    *time.Timer
	settleTimer   *time.Timer
	responseTimer *time.Timer

	updates chan struct{}
	wg      sync.WaitGroup
}

// New creates a session. Nothing is dialed until Open.
func New(cfg Config, store Store, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		store:   store,
		reducer: transcript.NewReducer(cfg.DocsBaseURL),
		updates: make(chan struct{}, 1),
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return s
}

// Open starts the first connection attempt. It returns immediately; progress
// shows up in the transcript and on Updates.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("session closed")
	}
	if s.opened {
		return errors.New("session already open")
	}
	if s.cfg.URL == "" {
		return errors.New("server url is required")
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.connectLocked(false)
	return nil
}

// Close tears down the connection and every pending timer and waits for the
// connection goroutines to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.wg.Wait()
	s.notify()
}

// Updates signals that the snapshot changed. Notifications coalesce, so a
// consumer should read Snapshot after each receive. It is meant for a single
// consumer.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:          s.state,
		CallerID:       s.callerID,
		ActiveThread:   s.reducer.ActiveThread(),
		InFlight:       s.reducer.InFlight(),
		QuotaExhausted: s.reducer.QuotaExhausted(),
		Failed:         s.reducer.Failed(),
		Fatal:          s.fatal,
		RetryCount:     s.retryCount,
		Entries:        s.reducer.Entries(),
		Documents:      s.reducer.Documents(),
	}
	if s.usage != nil {
		u := *s.usage
		snap.Usage = &u
	}
	return snap
}

// WaitFor blocks until cond holds for a snapshot or ctx is done. It consumes
// Updates, so it must not run alongside another consumer.
func (s *Session) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		snap := s.Snapshot()
		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-s.updates:
		}
	}
}

// SendQuery sends a question on threadID, or on the active thread when threadID
// is empty. When not connected a single error entry is appended instead.
func (s *Session) SendQuery(text, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	if !s.sendableLocked() {
		return
	}
	if threadID == "" {
		threadID = s.reducer.ActiveThread()
	} else if threadID != s.reducer.ActiveThread() {
		s.reducer.SetActiveThread(threadID)
	}
	s.reducer.AddUser(text, threadID)
	if s.writeLocked(protocol.Query(text, threadID)) {
		s.armResponseTimerLocked()
	}
}

// FetchHistory asks the server to replay a thread. The transcript is replaced
// when the replay arrives.
func (s *Session) FetchHistory(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	if threadID == "" || !s.sendableLocked() {
		return
	}
	s.writeLocked(protocol.GetMessage(threadID))
}

// RequestUsage asks for a fresh usage snapshot. It is skipped silently when
// not connected since it runs on a schedule.
func (s *Session) RequestUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.conn == nil {
		slog.Debug("usage refresh skipped", "state", s.state)
		return
	}
	s.writeLocked(protocol.GetUserData())
}

// Reconnect is the manual retry. It clears a fatal state and dials again.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	if s.closed || !s.opened {
		return
	}
	s.fatal = false
	s.retryCount = 0
	s.stopTimer(&s.retryTimer)
	s.connectLocked(true)
}

// SetThread selects the thread that follows-up queries go to. An empty id
// starts a new conversation.
func (s *Session) SetThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	s.reducer.CancelResync()
	s.stopTimer(&s.settleTimer)
	s.stopTimer(&s.responseTimer)
	s.reducer.SetActiveThread(threadID)
}

// NewChat starts a new conversation.
func (s *Session) NewChat() {
	s.SetThread("")
}

func (s *Session) sendableLocked() bool {
	if s.state == StateOpen && s.conn != nil {
		return true
	}
	s.reducer.LocalError(TextNotConnected)
	return false
}

// connectLocked drops the current connection and dials a new one in the
// background. Callbacks from older generations are ignored.
func (s *Session) connectLocked(isRetry bool) {
	s.gen++
	gen := s.gen
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateConnecting

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	s.wg.Add(1)
	go s.dial(s.ctx, gen, header, isRetry)
}

func (s *Session) dial(ctx context.Context, gen int, header http.Header, isRetry bool) {
	defer s.wg.Done()

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil && resp != nil {
		err = &HandshakeError{StatusCode: resp.StatusCode, Status: resp.Status, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("dial failed", "url", s.cfg.URL, "error", err)
		s.reducer.LocalError(fmt.Sprintf("Connection error: %v", err))
		s.connectionLostLocked(err)
		s.notify()
		return
	}

	slog.Info("connected", "url", s.cfg.URL, "retry", isRetry)
	s.conn = conn
	s.retryCount = 0
	if isRetry {
		s.reducer.System(TextReconnected)
	}
	s.announceLocked()

	s.wg.Add(1)
	go s.read(gen, conn)
	s.notify()
}

// announceLocked presents the stored identity, or asks for a new one. The
// store is read on every open so an identity cleared elsewhere is honored.
func (s *Session) announceLocked() {
	if rec, err := s.store.Load(); err != nil {
		slog.Warn("failed to load identity", "error", err)
	} else {
		s.callerID = rec.UserID
	}
	if s.callerID != "" {
		s.writeLocked(protocol.RecurringConnection(s.callerID))
		return
	}
	s.writeLocked(protocol.NewConnection())
}

func (s *Session) read(gen int, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(gen, conn, err)
			return
		}
		s.handleFrame(gen, raw)
	}
}

func (s *Session) readFailed(gen int, conn *websocket.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn.Close()
	if gen != s.gen || s.closed {
		return
	}
	s.conn = nil

	var cause error
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Info("connection closed by server", "error", err)
	} else {
		slog.Warn("connection failed", "error", err)
		s.reducer.LocalError(fmt.Sprintf("Connection error: %v", err))
		cause = err
	}
	s.connectionLostLocked(cause)
	s.notify()
}

// connectionLostLocked runs the close path: count the attempt and either
// schedule the next dial or give up.
func (s *Session) connectionLostLocked(cause error) {
	s.state = StateClosed
	s.retryCount++
	s.stopTimer(&s.responseTimer)
	if s.reducer.Interrupt() {
		slog.Warn("turn interrupted by connection loss", "thread_id", s.reducer.ActiveThread())
	}

	if !s.cfg.Retry.ShouldRetry(cause, s.retryCount) {
		s.fatal = true
		slog.Error("giving up on connection", "attempts", s.retryCount, "error", cause)
		s.reducer.LocalError(TextConnectionLost)
		return
	}

	delay := s.cfg.Retry.NextDelay(s.retryCount)
	s.reducer.System(fmt.Sprintf("Connection lost. Reconnecting in %s (attempt %d of %d)...",
		delay.Round(time.Millisecond), s.retryCount, s.cfg.Retry.MaxAttempts))

	gen := s.gen
	s.stopTimer(&s.retryTimer)
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen || s.closed || s.fatal {
			return
		}
		s.connectLocked(true)
		s.notify()
	})
}

func (s *Session) handleFrame(gen int, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		return
	}

	ev, err := protocol.Decode(raw, time.Now())
	if err != nil {
		s.archiveLocked("unknown", "", raw)
		slog.Debug("dropping frame", "error", err)
		return
	}
	s.archiveLocked(string(ev.Kind()), ev.Thread(), raw)

	switch e := ev.(type) {
	case protocol.UserAssigned:
		s.userAssignedLocked(e)

	case protocol.UsageData:
		snap := usage.FromPayload(e.Data, s.cfg.TotalTokens, e.ReceivedAt)
		s.usage = &snap

	case protocol.ServerError:
		if s.state != StateOpen {
			s.identityRejectedLocked(e)
			break
		}
		s.applyLocked(ev)

	default:
		s.applyLocked(ev)
	}
	s.notify()
}

func (s *Session) userAssignedLocked(e protocol.UserAssigned) {
	if e.UserID == "" {
		slog.Debug("ignoring empty user assignment")
		return
	}
	if e.UserID != s.callerID {
		slog.Info("caller identity assigned", "user_id", e.UserID)
	}
	s.callerID = e.UserID
	if err := s.store.SaveCaller(e.UserID); err != nil {
		slog.Warn("failed to persist identity", "error", err)
	}
	s.state = StateOpen

	s.writeLocked(protocol.GetUserData())
	if s.resume != "" {
		thread := s.resume
		s.resume = ""
		s.writeLocked(protocol.GetMessage(thread))
	}
}

// identityRejectedLocked handles an error frame that arrives before the
// identity was confirmed: the stored identity is forgotten so the next attempt
// bootstraps a fresh one.
func (s *Session) identityRejectedLocked(e protocol.ServerError) {
	slog.Warn("identity rejected", "user_id", s.callerID, "message", e.Message)
	s.callerID = ""
	if err := s.store.Clear(); err != nil {
		slog.Warn("failed to clear identity", "error", err)
	}
	s.reducer.LocalError(TextInvalidUser)
}

func (s *Session) applyLocked(ev protocol.Event) {
	res := s.reducer.Apply(ev)

	if res.Unhandled {
		slog.Debug("event has no transition", "kind", ev.Kind())
	}
	if res.ThreadAssigned != "" {
		s.saveThreadLocked(res.ThreadAssigned)
	}
	if res.Resync != nil {
		s.scheduleResyncLocked(res.Resync)
	}
	s.armResponseTimerLocked()
}

func (s *Session) scheduleResyncLocked(rs *transcript.Resync) {
	if rs.ThreadID != "" {
		s.saveThreadLocked(rs.ThreadID)
	}
	s.stopTimer(&s.settleTimer)
	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if s.reducer.CompleteResync(rs) {
			s.notify()
		}
	})
}

// armResponseTimerLocked restarts the response timeout while a query is in
// flight and stops it otherwise.
func (s *Session) armResponseTimerLocked() {
	s.stopTimer(&s.responseTimer)
	if s.cfg.ResponseTimeout <= 0 || !s.reducer.InFlight() {
		return
	}
	s.responseTimer = time.AfterFunc(s.cfg.ResponseTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if s.reducer.Timeout() {
			slog.Warn("response timed out", "thread_id", s.reducer.ActiveThread())
			s.notify()
		}
	})
}

func (s *Session) saveThreadLocked(threadID string) {
	if err := s.store.SaveThread(threadID); err != nil {
		slog.Warn("failed to persist thread", "thread_id", threadID, "error", err)
	}
}

func (s *Session) archiveLocked(kind, threadID string, raw []byte) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(kind, threadID, raw); err != nil {
		slog.Warn("failed to archive frame", "kind", kind, "error", err)
	}
}

// writeLocked transmits one frame. A failed write is reported in the
// transcript; the reader notices the broken connection and runs the close path.
func (s *Session) writeLocked(f protocol.Outbound) bool {
	data, err := f.Marshal()
	if err != nil {
		s.reducer.LocalError(fmt.Sprintf("encode %s: %v", f.Type, err))
		return false
	}
	if s.conn == nil {
		s.reducer.LocalError(TextNotConnected)
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("write failed", "type", f.Type, "error", err)
		s.reducer.LocalError(fmt.Sprintf("Send failed: %v", err))
		if f.Type == protocol.KindQuery {
			s.reducer.Interrupt()
		}
		return false
	}
	slog.Debug("sent frame", "type", f.Type, "thread_id", f.ThreadID)
	return true
}

func (s *Session) stopTimersLocked() {
	s.stopTimer(&s.retryTimer)
	s.stopTimer(&s.settleTimer)
	s.stopTimer(&s.responseTimer)
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
