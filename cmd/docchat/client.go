package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/user/docchat/internal/archive"
	"github.com/user/docchat/internal/config"
	"github.com/user/docchat/internal/identity"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/transcript"
)

// client bundles a session with the stores it was built from.
type client struct {
	cfg    *config.Config
	store  *identity.FileStore
	frames *archive.FrameLog
	sess   *session.Session
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		URL:              cfg.Server.URL,
		Token:            cfg.Server.Token,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		DocsBaseURL:      cfg.Docs.BaseURL,
		Retry: session.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			Multiplier:   2.0,
			MaxDelay:     cfg.RetryMaxDelay(),
		},
		SettleDelay:     cfg.SettleDelay(),
		ResponseTimeout: cfg.ResponseTimeout(),
		TotalTokens:     cfg.Usage.TotalTokens,
	}
}

// openClient validates cfg, wires the identity store and frame archive into a
// session and starts connecting.
func openClient(ctx context.Context, cfg *config.Config, opts ...session.Option) (*client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := &client{
		cfg:   cfg,
		store: identity.NewFileStore(cfg.IdentityPath()),
	}
	if cfg.ArchiveFrames {
		caller, err := c.store.CallerID()
		if err != nil {
			slog.Warn("failed to read identity for frame archive", "error", err)
		}
		c.frames = archive.NewFrameLog(cfg.FramesPath(caller))
		opts = append(opts, session.WithRecorder(c.frames))
	}

	c.sess = session.New(sessionConfig(cfg), c.store, opts...)
	if err := c.sess.Open(ctx); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	slog.Debug("session opening", "url", cfg.Server.URL, "archive", cfg.ArchiveFrames)
	return c, nil
}

func (c *client) Close() {
	c.sess.Close()
}

// waitOpen blocks until the server confirms an identity. A rejected identity
// is retried once with a fresh one.
func (c *client) waitOpen(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retried := false
	for {
		snap, err := c.sess.WaitFor(ctx, func(s session.Snapshot) bool {
			return s.State == session.StateOpen || s.Fatal || (!retried && rejected(s))
		})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", c.cfg.Server.URL, err)
		}
		switch {
		case snap.State == session.StateOpen:
			return nil
		case snap.Fatal:
			return fmt.Errorf("connect to %s: %s", c.cfg.Server.URL, lastError(snap.Entries))
		}
		slog.Info("stored identity rejected, requesting a new one")
		retried = true
		c.sess.Reconnect()
	}
}

func rejected(s session.Snapshot) bool {
	for _, e := range s.Entries {
		if e.Kind == transcript.KindError && e.Content == session.TextInvalidUser {
			return true
		}
	}
	return false
}

func lastError(entries []transcript.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == transcript.KindError {
			return entries[i].Content
		}
	}
	return "connection failed"
}

// turnDone reports whether the turn started at index from has settled.
func turnDone(from int) func(session.Snapshot) bool {
	return func(s session.Snapshot) bool {
		if s.InFlight || s.Fatal || len(s.Entries) <= from+1 {
			return s.Fatal
		}
		last := s.Entries[len(s.Entries)-1]
		return !last.Loader && last.Kind != transcript.KindUser
	}
}

var errQuit = errors.New("quit")
