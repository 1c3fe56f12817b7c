package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/docchat/internal/render"
	"github.com/user/docchat/internal/session"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the replay")
}

var historyCmd = &cobra.Command{
	Use:   "history <thread>",
	Short: "Print the stored conversation of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		thread := args[0]
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := openClient(ctx, cfg, session.WithResume(thread))
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.waitOpen(ctx, cfg.HandshakeTimeout()+5*time.Second); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		snap, err := c.sess.WaitFor(waitCtx, func(s session.Snapshot) bool {
			return s.ActiveThread == thread && len(s.Entries) > 0 && !s.Entries[0].Loader
		})
		if err != nil {
			return fmt.Errorf("no history received for thread %s: %w", thread, err)
		}

		if err := render.Transcript(os.Stdout, snap.Entries); err != nil {
			return err
		}
		fmt.Println()
		return render.Documents(os.Stdout, snap.Documents)
	},
}
