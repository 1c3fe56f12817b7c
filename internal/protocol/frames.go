// Package protocol defines the JSON frames exchanged with the retrieval backend
// and turns inbound frames into typed events.
package protocol

import "encoding/json"

// Kind is the value of a frame's "type" field.
type Kind string

// Outbound kinds.
const (
	KindNewConnection       Kind = "new_connection"
	KindRecurringConnection Kind = "recurring_connection"
	KindQuery               Kind = "query"
	KindGetMessage          Kind = "get_message"
	KindGetUserData         Kind = "get_userdata"
)

// Inbound kinds. Anything else is ignored by Decode.
const (
	KindUserAssigned  Kind = "user_assigned"
	KindUserData      Kind = "response_userdata"
	KindAck           Kind = "ack"
	KindClarification Kind = "response_clarification"
	KindResearchData  Kind = "research_data"
	KindComplete      Kind = "response_complete"
	KindHistory       Kind = "response_message"
	KindError         Kind = "error"
)

var inboundKinds = map[Kind]bool{
	KindUserAssigned:  true,
	KindUserData:      true,
	KindAck:           true,
	KindClarification: true,
	KindResearchData:  true,
	KindComplete:      true,
	KindHistory:       true,
	KindError:         true,
}

// IsInbound reports whether k belongs to the recognized server vocabulary.
func IsInbound(k Kind) bool {
	return inboundKinds[k]
}

// Outbound is a client-to-server frame. Empty fields are omitted on the wire,
// so a query without a thread id starts a new thread.
type Outbound struct {
	Type     Kind   `json:"type"`
	UserID   string `json:"userId,omitempty"`
	Query    string `json:"query,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// Marshal encodes the frame for transmission.
func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// NewConnection announces a caller without a persisted identity.
func NewConnection() Outbound {
	return Outbound{Type: KindNewConnection}
}

// RecurringConnection announces a caller resuming a previously assigned identity.
func RecurringConnection(userID string) Outbound {
	return Outbound{Type: KindRecurringConnection, UserID: userID}
}

// Query asks a question. threadID may be empty for the first turn of a thread.
func Query(text, threadID string) Outbound {
	return Outbound{Type: KindQuery, Query: text, ThreadID: threadID}
}

// GetMessage requests the full history of a thread.
func GetMessage(threadID string) Outbound {
	return Outbound{Type: KindGetMessage, ThreadID: threadID}
}

// GetUserData requests a usage snapshot.
func GetUserData() Outbound {
	return Outbound{Type: KindGetUserData}
}
