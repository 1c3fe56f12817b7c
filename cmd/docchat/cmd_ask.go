package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/docchat/internal/render"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/usage"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("thread", "", "thread to continue (default: new thread)")
	askCmd.Flags().Duration("timeout", 3*time.Minute, "how long to wait for the answer")
	askCmd.Flags().Bool("docs", false, "list cited documents after the answer")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		thread, _ := cmd.Flags().GetString("thread")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		showDocs, _ := cmd.Flags().GetBool("docs")
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return fmt.Errorf("question must not be empty")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := openClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.waitOpen(ctx, cfg.HandshakeTimeout()+5*time.Second); err != nil {
			return err
		}
		warnIfOverBudget(ctx, c.sess, cfg.Usage.Model, question)

		from := len(c.sess.Snapshot().Entries)
		c.sess.SendQuery(question, thread)

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		snap, err := c.sess.WaitFor(waitCtx, turnDone(from))
		if from > len(snap.Entries) {
			from = 0
		}
		if err := render.Transcript(os.Stdout, snap.Entries[from:]); err != nil {
			return err
		}
		if err != nil {
			return fmt.Errorf("waiting for answer: %w", err)
		}
		if showDocs {
			fmt.Println()
			if err := render.Documents(os.Stdout, snap.Documents); err != nil {
				return err
			}
		}
		if snap.ActiveThread != "" {
			fmt.Fprintf(os.Stderr, "thread: %s\n", snap.ActiveThread)
		}
		if snap.QuotaExhausted {
			return fmt.Errorf("token usage limit reached")
		}
		return nil
	},
}

// warnIfOverBudget prints a warning when the question alone is estimated to
// exceed the remaining token allowance. It waits briefly for the usage snapshot
// that follows identity confirmation.
func warnIfOverBudget(ctx context.Context, sess *session.Session, model, question string) {
	est, err := usage.NewEstimator(model)
	if err != nil {
		slog.Debug("token estimator unavailable", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := sess.WaitFor(ctx, func(s session.Snapshot) bool { return s.Usage != nil })
	if err != nil || snap.Usage == nil {
		return
	}
	if est.Exceeds(question, *snap.Usage) {
		fmt.Fprintf(os.Stderr, "warning: question is about %d tokens but only %d remain\n",
			est.Count(question), snap.Usage.Remaining())
	}
}
