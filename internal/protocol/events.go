package protocol

import "time"

// Event is one normalized server occurrence. The concrete types below form a
// closed set; consumers switch on them.
type Event interface {
	Kind() Kind
	Thread() string
	At() time.Time
	isEvent()
}

// Header carries the fields every event has. ReceivedAt is informational only.
type Header struct {
	ThreadID   string
	ReceivedAt time.Time
}

func (h Header) Thread() string { return h.ThreadID }
func (h Header) At() time.Time  { return h.ReceivedAt }
func (Header) isEvent()         {}

// UserAssigned confirms the caller identity.
type UserAssigned struct {
	Header
	UserID string
}

// UsageData is a usage snapshot reply.
type UsageData struct {
	Header
	Data UsagePayload
}

// Ack acknowledges a query and names its thread.
type Ack struct {
	Header
	Message string
}

// Clarification means the server is waiting on the user.
type Clarification struct {
	Header
	Message string
}

// ResearchData is a progress update while an answer is being produced.
type ResearchData struct {
	Header
	Message string
}

// Complete finishes a turn. Answer is set when the server sent a structured
// answer; otherwise Text holds whatever string the server sent instead.
type Complete struct {
	Header
	Answer *Answer
	Text   string
}

// History replays a thread's stored messages.
type History struct {
	Header
	Records []HistoryRecord
}

// ServerError is an application error reported by the server.
type ServerError struct {
	Header
	Message string
}

// Malformed wraps a frame that could not be parsed.
type Malformed struct {
	Header
	Raw string
	Err error
}

func (UserAssigned) Kind() Kind  { return KindUserAssigned }
func (UsageData) Kind() Kind     { return KindUserData }
func (Ack) Kind() Kind           { return KindAck }
func (Clarification) Kind() Kind { return KindClarification }
func (ResearchData) Kind() Kind  { return KindResearchData }
func (Complete) Kind() Kind      { return KindComplete }
func (History) Kind() Kind       { return KindHistory }
func (ServerError) Kind() Kind   { return KindError }
func (Malformed) Kind() Kind     { return "malformed" }

// Answer is the structured payload of a completed turn.
type Answer struct {
	GeneratedAnswer string  `json:"generated_answer"`
	Chunks          []Chunk `json:"chunks"`
}

// Chunk is a cited excerpt of a source document.
type Chunk struct {
	Source    string  `json:"source"`
	PageStart float64 `json:"page_start"`
	Text      string  `json:"text,omitempty"`
}

// Page returns the 1-based page the chunk starts on, truncated to an integer.
func (c Chunk) Page() int {
	return int(c.PageStart)
}

// HistoryRecord is one stored message of a thread.
type HistoryRecord struct {
	Role    string  `json:"role"`
	Type    Kind    `json:"type"`
	Content string  `json:"content"`
	Chunks  []Chunk `json:"chunks,omitempty"`
}

// Roles used by history records.
const (
	RoleHuman = "HUMAN"
	RoleAI    = "AI"
)

// UsagePayload mirrors the "data" object of a response_userdata frame.
type UsagePayload struct {
	UserData struct {
		TokensUsed float64 `json:"tokensUsed"`
	} `json:"userData"`
	UserThreadData []ThreadRecord `json:"userThreadData"`
}

// ThreadRecord summarizes one of the caller's threads.
type ThreadRecord struct {
	ID               string `json:"id"`
	InitialMessage   string `json:"initialMessage"`
	MessageCreatedAt string `json:"messageCreatedAt"`
}
