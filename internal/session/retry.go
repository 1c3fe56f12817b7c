package session

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// RetryPolicy decides when a lost connection is dialed again and how long to
// wait first.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy allows 5 automatic reconnects starting at 2s and capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// HandshakeError is a websocket upgrade the server answered with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Permanent reports whether the server refused the credentials, which no
// amount of redialing fixes.
func (e *HandshakeError) Permanent() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ShouldRetry reports whether the connection may be dialed again after
// attempt consecutive failures ending in err. A nil err is a clean close.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	var he *HandshakeError
	if errors.As(err, &he) {
		return !he.Permanent()
	}
	return true
}

// NextDelay is the wait before reconnect n (1-based): InitialDelay * Multiplier^n,
// capped at MaxDelay.
func (p RetryPolicy) NextDelay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
