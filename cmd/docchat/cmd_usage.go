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
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().String("search", "", "only list threads whose first message contains this text")
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage and past threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		term, _ := cmd.Flags().GetString("search")

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

		waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		snap, err := c.sess.WaitFor(waitCtx, func(s session.Snapshot) bool { return s.Usage != nil })
		if err != nil {
			return fmt.Errorf("no usage received: %w", err)
		}

		u := *snap.Usage
		u.Threads = u.Search(term)
		return render.Usage(os.Stdout, u)
	},
}
