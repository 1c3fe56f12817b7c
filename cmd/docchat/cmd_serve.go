package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/docchat/internal/config"
	"github.com/user/docchat/internal/httpapi"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/usage"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (default: http.listen from config)")
	serveCmd.Flags().String("thread", "", "thread to load on connect")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep a session open and expose it over a local HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.HTTP.Listen
	}
	thread, _ := cmd.Flags().GetString("thread")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []session.Option
	if thread != "" {
		opts = append(opts, session.WithResume(thread))
	}
	c, err := openClient(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	refresher := usage.NewRefresher(cfg.Usage.Refresh, c.sess.RequestUsage)
	if err := refresher.Start(); err != nil {
		return err
	}
	defer refresher.Stop()

	slog.Info("docchat server started",
		"server_url", cfg.Server.URL,
		"listen", listen,
		"data_dir", cfg.DataDir,
		"archive_frames", cfg.ArchiveFrames,
		"pid_file", pidPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	serveAPI(gctx, g, listen, c)
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("received SIGHUP, reconnecting")
				c.sess.Reconnect()
			}
		}
	})
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, func(next *config.Config) {
			setupLogging(next)
			slog.Info("config reloaded", "log_level", next.LogLevel)
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// serveAPI runs the HTTP API in g until ctx is done.
func serveAPI(ctx context.Context, g *errgroup.Group, listen string, c *client) {
	var frames httpapi.FrameSource
	if c.frames != nil {
		frames = c.frames
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           httpapi.NewServer(c.sess, frames),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("api server started", "listen", listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
}
