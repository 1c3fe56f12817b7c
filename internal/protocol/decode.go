package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned by Decode for well-formed frames whose type is
// outside the recognized vocabulary. Callers drop these.
var ErrUnknownKind = errors.New("unknown frame kind")

// inbound is the superset of fields the server puts on a frame.
type inbound struct {
	Type     Kind            `json:"type"`
	ThreadID string          `json:"threadId"`
	UserID   string          `json:"userId"`
	Message  json.RawMessage `json:"message"`
	Data     json.RawMessage `json:"data"`
}

// Decode normalizes one raw frame. A frame that fails to parse is returned as a
// Malformed event rather than an error so it stays visible to the user. Frames
// with an unrecognized type yield ErrUnknownKind.
func Decode(raw []byte, at time.Time) (Event, error) {
	var f inbound
	if err := json.Unmarshal(raw, &f); err != nil {
		return malformed(raw, at, err), nil
	}
	if !IsInbound(f.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}

	h := Header{ThreadID: f.ThreadID, ReceivedAt: at}

	switch f.Type {
	case KindUserAssigned:
		return UserAssigned{Header: h, UserID: f.UserID}, nil

	case KindUserData:
		var p UsagePayload
		if !isNull(f.Data) {
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return malformed(raw, at, fmt.Errorf("decode usage data: %w", err)), nil
			}
		}
		return UsageData{Header: h, Data: p}, nil

	case KindAck:
		return Ack{Header: h, Message: text(f.Message)}, nil

	case KindClarification:
		return Clarification{Header: h, Message: text(f.Message)}, nil

	case KindResearchData:
		return ResearchData{Header: h, Message: text(f.Message)}, nil

	case KindComplete:
		ev := Complete{Header: h}
		if bytes.HasPrefix(bytes.TrimSpace(f.Message), []byte("{")) {
			var a Answer
			if err := json.Unmarshal(f.Message, &a); err != nil {
				return malformed(raw, at, fmt.Errorf("decode answer: %w", err)), nil
			}
			ev.Answer = &a
		} else {
			ev.Text = text(f.Message)
		}
		return ev, nil

	case KindHistory:
		ev := History{Header: h}
		if bytes.HasPrefix(bytes.TrimSpace(f.Data), []byte("[")) {
			if err := json.Unmarshal(f.Data, &ev.Records); err != nil {
				return malformed(raw, at, fmt.Errorf("decode history: %w", err)), nil
			}
		}
		return ev, nil

	case KindError:
		return ServerError{Header: h, Message: text(f.Message)}, nil
	}

	// IsInbound and the switch above cover the same set.
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
}

func malformed(raw []byte, at time.Time, err error) Malformed {
	return Malformed{Header: Header{ReceivedAt: at}, Raw: string(raw), Err: err}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// text returns a JSON string value unquoted. Non-string values are returned as
// their JSON text; absent or null values become "".
func text(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
