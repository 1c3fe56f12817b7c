package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/docchat/internal/identity"
	"github.com/user/docchat/internal/render"
	"github.com/user/docchat/internal/session"
	"github.com/user/docchat/internal/usage"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("thread", "", "open an existing thread")
	chatCmd.Flags().Bool("resume", false, "reopen the last thread")
}

const chatHelp = `Type a question and press Enter. Commands:
  /new               start a new conversation
  /thread <id>       switch to a thread and load its history
  /usage [term]      show token usage and threads
  /docs              list cited documents
  /reconnect         retry the connection
  /quit              leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		thread, _ := cmd.Flags().GetString("thread")
		resume, _ := cmd.Flags().GetBool("resume")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []session.Option
		if thread == "" && resume {
			thread = lastThread(cfg.IdentityPath())
		}
		if thread != "" {
			opts = append(opts, session.WithResume(thread))
		}

		c, err := openClient(ctx, cfg, opts...)
		if err != nil {
			return err
		}
		defer c.Close()

		refresher := usage.NewRefresher(cfg.Usage.Refresh, c.sess.RequestUsage)
		if err := refresher.Start(); err != nil {
			return err
		}
		defer refresher.Stop()

		est, err := usage.NewEstimator(cfg.Usage.Model)
		if err != nil {
			slog.Debug("token estimator unavailable", "error", err)
		}

		fmt.Println(chatHelp)

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		g, gctx := errgroup.WithContext(ctx)
		if cfg.HTTP.Enabled {
			serveAPI(gctx, g, cfg.HTTP.Listen, c)
		}
		g.Go(func() error {
			printer := render.NewPrinter(os.Stdout)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-c.sess.Updates():
					if err := printer.Update(c.sess.Snapshot().Entries); err != nil {
						return err
					}
				}
			}
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errQuit
					}
					if err := handleLine(c.sess, est, line); err != nil {
						return err
					}
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func lastThread(identityPath string) string {
	rec, err := identity.NewFileStore(identityPath).Load()
	if err != nil {
		slog.Warn("failed to read last thread", "error", err)
		return ""
	}
	return rec.LastThreadID
}

// handleLine runs one line of chat input.
func handleLine(sess *session.Session, est *usage.Estimator, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		snap := sess.Snapshot()
		if est != nil && snap.Usage != nil && est.Exceeds(line, *snap.Usage) {
			fmt.Fprintf(os.Stderr, "warning: question is about %d tokens but only %d remain\n",
				est.Count(line), snap.Usage.Remaining())
		}
		sess.SendQuery(line, "")
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/new":
		sess.NewChat()
		fmt.Println("* new conversation")
	case "/thread":
		if arg == "" {
			fmt.Println("usage: /thread <id>")
			return nil
		}
		sess.SetThread(arg)
		sess.FetchHistory(arg)
	case "/usage":
		snap := sess.Snapshot()
		if snap.Usage == nil {
			sess.RequestUsage()
			fmt.Println("* usage requested, try again in a moment")
			return nil
		}
		u := *snap.Usage
		u.Threads = u.Search(arg)
		return render.Usage(os.Stdout, u)
	case "/docs":
		return render.Documents(os.Stdout, sess.Snapshot().Documents)
	case "/reconnect":
		sess.Reconnect()
	case "/help":
		fmt.Println(chatHelp)
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return nil
}
