package transcript

import (
	"fmt"
	"time"

	"github.com/user/docchat/internal/docs"
	"github.com/user/docchat/internal/protocol"
)

// QuotaExhausted is the server message sent when the caller ran out of tokens.
const QuotaExhausted = "Token Usage Limit Reached."

// Default texts used when the server omits a message.
const (
	textAckLoader      = "⌛ Starting analysis..."
	textAck            = "Got your question, starting analysis..."
	textClarify        = "Clarifying response..."
	textResearch       = "Fetching and analyzing documents..."
	textCompleteFailed = "Something went wrong, please try again."
	textServerError    = "Error: try again later."
	textHistoryLoader  = "Loading previous conversation..."
	textTimeout        = "No response from server. Please try again."
)

// Phase is where a thread's current turn stands.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingAck
	PhaseClarifying
	PhaseResearching
	PhaseComplete
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingAck:
		return "awaiting_ack"
	case PhaseClarifying:
		return "clarifying"
	case PhaseResearching:
		return "researching"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// placeholder phases
const (
	slotAck      = "ack"
	slotClarify  = "clarify"
	slotResearch = "research"
	slotComplete = "complete"
	slotError    = "error"
	slotHistory  = "history"
)

// Key returns the placeholder key for a thread and slot, e.g. "t1-research".
func Key(threadID, slot string) string {
	return threadID + "-" + slot
}

// Result describes the side effects of applying one event.
type Result struct {
	// ThreadAssigned is set when a fresh conversation became addressable.
	ThreadAssigned string
	// Resync holds the rebuilt log of a history replay. The caller swaps it in
	// with CompleteResync once the settling delay has passed.
	Resync *Resync
	// Documents lists documents cited for the first time.
	Documents []docs.Document
	// Unhandled is set when the event type has no transition.
	Unhandled bool
}

// Resync is a pending history replacement.
type Resync struct {
	ThreadID string
	Entries  []Entry
	gen      int
}

// Reducer owns the transcript and the per-thread phases. It is not safe for
// concurrent use; the session serializes access.
type Reducer struct {
	log      Log
	phases   map[string]Phase
	acked    map[string]bool
	active   string
	inFlight bool
	quota    bool
	failed   bool

	library  docs.Library
	docsBase string

	resyncGen int
	now       func() time.Time
}

// NewReducer returns an empty reducer. docsBase prefixes cited source names to
// build document URLs.
func NewReducer(docsBase string) *Reducer {
	return &Reducer{
		phases:   make(map[string]Phase),
		acked:    make(map[string]bool),
		docsBase: docsBase,
		now:      time.Now,
	}
}

// Entries returns a copy of the transcript.
func (r *Reducer) Entries() []Entry { return r.log.Entries() }

// Len returns the transcript length.
func (r *Reducer) Len() int { return r.log.Len() }

// InFlight reports whether a response is being computed.
func (r *Reducer) InFlight() bool { return r.inFlight }

// QuotaExhausted reports whether the last failure was the quota sentinel.
func (r *Reducer) QuotaExhausted() bool { return r.quota }

// Failed reports whether the last failure was a generic server error.
func (r *Reducer) Failed() bool { return r.failed }

// ActiveThread returns the addressable thread of the conversation, if any.
func (r *Reducer) ActiveThread() string { return r.active }

// Phase returns the phase of a thread's current turn.
func (r *Reducer) Phase(threadID string) Phase { return r.phases[threadID] }

// Documents returns every document cited so far.
func (r *Reducer) Documents() []docs.Document { return r.library.All() }

// SetActiveThread selects the thread new queries are sent to. An empty id
// starts a fresh conversation and clears the transcript.
func (r *Reducer) SetActiveThread(threadID string) {
	if threadID == "" {
		r.log.Reset(nil)
		r.library.Reset()
		r.inFlight = false
	}
	r.active = threadID
}

// AddUser records a query sent by the user and starts a new turn.
func (r *Reducer) AddUser(text, threadID string) {
	if threadID == "" {
		threadID = r.active
	}
	if threadID != "" {
		// A new turn gets fresh placeholders; earlier turns keep their slots.
		r.log.Seal(
			Key(threadID, slotClarify),
			Key(threadID, slotResearch),
			Key(threadID, slotComplete),
			Key(threadID, slotError),
		)
	}
	r.log.Append(Entry{Kind: KindUser, Content: text, ThreadID: threadID, At: r.now()})
	r.phases[threadID] = PhaseAwaitingAck
	r.inFlight = true
	r.failed = false
}

// System appends a status line.
func (r *Reducer) System(text string) {
	r.log.Append(Entry{Kind: KindSystem, Content: text, At: r.now()})
}

// LocalError appends an error produced by the client itself.
func (r *Reducer) LocalError(text string) {
	r.log.Append(Entry{Kind: KindError, Content: text, At: r.now()})
}

// Interrupt ends the in-flight turn of the active thread without an answer,
// after the connection carrying it was lost. It reports whether a turn was
// pending.
func (r *Reducer) Interrupt() bool {
	if !r.inFlight {
		return false
	}
	r.inFlight = false
	r.phases[r.active] = PhaseError
	return true
}

// Apply folds one event into the transcript.
func (r *Reducer) Apply(ev protocol.Event) Result {
	var res Result
	thread := ev.Thread()

	switch e := ev.(type) {
	case protocol.Ack:
		if thread == "" || r.acked[thread] {
			return res
		}
		r.acked[thread] = true
		if r.active == "" {
			r.active = thread
			res.ThreadAssigned = thread
			r.phases[thread] = r.phases[""]
			delete(r.phases, "")
		}
		key := Key(thread, slotAck)
		r.log.Upsert(key, Entry{Kind: KindAI, Content: textAckLoader, Italic: true, Loader: true, ThreadID: thread, At: e.ReceivedAt})
		r.log.Upsert(key, Entry{Kind: KindAI, Content: orDefault(e.Message, textAck), Italic: true, ThreadID: thread, At: e.ReceivedAt})
		r.advance(thread, PhaseAwaitingAck)

	case protocol.Clarification:
		thread = r.threadOf(thread)
		r.inFlight = false
		r.log.Upsert(Key(thread, slotClarify), Entry{Kind: KindAI, Content: orDefault(e.Message, textClarify), ThreadID: thread, At: e.ReceivedAt})
		r.advance(thread, PhaseClarifying)

	case protocol.ResearchData:
		thread = r.threadOf(thread)
		r.inFlight = true
		r.log.Upsert(Key(thread, slotResearch), Entry{Kind: KindAI, Content: orDefault(e.Message, textResearch), Italic: true, ThreadID: thread, At: e.ReceivedAt})
		r.advance(thread, PhaseResearching)

	case protocol.Complete:
		thread = r.threadOf(thread)
		r.inFlight = false
		if e.Answer == nil {
			r.serverFailure(thread, slotComplete, e.Text, textCompleteFailed, e.ReceivedAt)
			return res
		}
		r.quota, r.failed = false, false
		r.log.Upsert(Key(thread, slotComplete), Entry{
			Kind:      KindAI,
			Content:   e.Answer.GeneratedAnswer,
			ThreadID:  thread,
			Citations: nonNilChunks(e.Answer.Chunks),
			At:        e.ReceivedAt,
		})
		res.Documents = r.library.Add(docs.FromChunks(r.docsBase, e.Answer.Chunks)...)
		r.phases[thread] = PhaseComplete

	case protocol.History:
		if len(e.Records) == 0 {
			return res
		}
		res.Resync = r.beginResync(thread, e)
		res.Documents = r.library.All()

	case protocol.ServerError:
		thread = r.threadOf(thread)
		r.inFlight = false
		r.serverFailure(thread, slotError, e.Message, textServerError, e.ReceivedAt)

	case protocol.Malformed:
		r.log.Append(Entry{Kind: KindError, Content: e.Raw, At: e.ReceivedAt})

	default:
		res.Unhandled = true
	}
	return res
}

// Timeout gives up on the in-flight turn of the active thread.
func (r *Reducer) Timeout() bool {
	if !r.inFlight {
		return false
	}
	r.inFlight = false
	r.failed = true
	thread := r.active
	e := Entry{Kind: KindError, Content: textTimeout, ThreadID: thread, At: r.now()}
	if thread == "" {
		r.log.Append(e)
		return true
	}
	r.log.Upsert(Key(thread, slotError), e)
	r.phases[thread] = PhaseError
	return true
}

// CompleteResync swaps in a pending history replay. It reports false when the
// replay was superseded or canceled.
func (r *Reducer) CompleteResync(rs *Resync) bool {
	if rs == nil || rs.gen != r.resyncGen {
		return false
	}
	r.log.Reset(rs.Entries)
	return true
}

// CancelResync invalidates any pending replay.
func (r *Reducer) CancelResync() {
	r.resyncGen++
}

func (r *Reducer) beginResync(thread string, h protocol.History) *Resync {
	r.resyncGen++
	r.library.Reset()
	r.log.Reset(nil)
	r.log.Upsert(Key(thread, slotHistory), Entry{Kind: KindAI, Content: textHistoryLoader, Italic: true, Loader: true, ThreadID: thread, At: h.ReceivedAt})

	entries := make([]Entry, 0, len(h.Records))
	for _, rec := range h.Records {
		e := fromRecord(rec, thread, h.ReceivedAt)
		entries = append(entries, e)
		if rec.Type == protocol.KindAck {
			r.acked[thread] = true
		}
		if len(e.Citations) > 0 {
			r.library.Add(docs.FromChunks(r.docsBase, e.Citations)...)
		}
	}
	if thread != "" {
		r.active = thread
		r.phases[thread] = PhaseIdle
	}
	r.inFlight = false
	return &Resync{ThreadID: thread, Entries: entries, gen: r.resyncGen}
}

// fromRecord maps a stored message with the same rules used for live events.
func fromRecord(rec protocol.HistoryRecord, thread string, at time.Time) Entry {
	e := Entry{Kind: KindAI, Content: rec.Content, ThreadID: thread, At: at}
	if rec.Role == protocol.RoleHuman || rec.Type == protocol.KindQuery || rec.Type == "user" {
		e.Kind = KindUser
		return e
	}
	if rec.Role != protocol.RoleAI {
		return e
	}
	switch rec.Type {
	case protocol.KindResearchData:
		e.Italic = true
	case protocol.KindComplete:
		e.Citations = nonNilChunks(rec.Chunks)
	}
	return e
}

func (r *Reducer) serverFailure(thread, slot, msg, fallback string, at time.Time) {
	r.quota = msg == QuotaExhausted
	r.failed = !r.quota
	e := Entry{Kind: KindError, Content: orDefault(msg, fallback), ThreadID: thread, At: at}
	if thread == "" {
		r.log.Append(e)
	} else {
		r.log.Upsert(Key(thread, slot), e)
	}
	r.phases[thread] = PhaseError
}

// advance moves a thread forward unless its turn already ended.
func (r *Reducer) advance(thread string, p Phase) {
	switch r.phases[thread] {
	case PhaseComplete, PhaseError:
		if p == PhaseAwaitingAck {
			return
		}
	}
	r.phases[thread] = p
}

func (r *Reducer) threadOf(thread string) string {
	if thread == "" {
		return r.active
	}
	return thread
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func nonNilChunks(c []protocol.Chunk) []protocol.Chunk {
	if c == nil {
		return []protocol.Chunk{}
	}
	return c
}
