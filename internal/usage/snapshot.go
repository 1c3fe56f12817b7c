// Package usage models the caller's token usage and thread list.
package usage

import (
	"sort"
	"strings"
	"time"

	"github.com/user/docchat/internal/protocol"
)

// DefaultTotalTokens is the per-caller token allowance.
const DefaultTotalTokens = 5000

// ThreadSummary is one entry of the caller's thread list.
type ThreadSummary struct {
	ID             string    `json:"id"`
	InitialMessage string    `json:"initial_message"`
	CreatedAt      time.Time `json:"created_at"`
}

// Snapshot is the latest usage reported by the server.
type Snapshot struct {
	TokensUsed  int64           `json:"tokens_used"`
	TokensTotal int64           `json:"tokens_total"`
	Threads     []ThreadSummary `json:"threads"`
	At          time.Time       `json:"at"`
}

// FromPayload converts a response_userdata payload. Threads come back newest first.
func FromPayload(p protocol.UsagePayload, total int64, at time.Time) Snapshot {
	if total <= 0 {
		total = DefaultTotalTokens
	}
	s := Snapshot{
		TokensUsed:  int64(p.UserData.TokensUsed),
		TokensTotal: total,
		Threads:     make([]ThreadSummary, 0, len(p.UserThreadData)),
		At:          at,
	}
	for _, th := range p.UserThreadData {
		s.Threads = append(s.Threads, ThreadSummary{
			ID:             th.ID,
			InitialMessage: th.InitialMessage,
			CreatedAt:      parseTime(th.MessageCreatedAt),
		})
	}
	sort.SliceStable(s.Threads, func(i, j int) bool {
		return s.Threads[i].CreatedAt.After(s.Threads[j].CreatedAt)
	})
	return s
}

// Percent returns usage as a percentage of the allowance, capped at 100.
func (s Snapshot) Percent() float64 {
	if s.TokensTotal <= 0 {
		return 0
	}
	p := float64(s.TokensUsed) / float64(s.TokensTotal) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Remaining returns the tokens left, never negative.
func (s Snapshot) Remaining() int64 {
	if s.TokensUsed >= s.TokensTotal {
		return 0
	}
	return s.TokensTotal - s.TokensUsed
}

// Search returns threads whose initial message contains term, case-insensitively.
func (s Snapshot) Search(term string) []ThreadSummary {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return append([]ThreadSummary(nil), s.Threads...)
	}
	var out []ThreadSummary
	for _, th := range s.Threads {
		if strings.Contains(strings.ToLower(th.InitialMessage), term) {
			out = append(out, th)
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
