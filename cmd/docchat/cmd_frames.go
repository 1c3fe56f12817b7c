package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/docchat/internal/archive"
	"github.com/user/docchat/internal/identity"
)

func init() {
	rootCmd.AddCommand(framesCmd)
	framesCmd.AddCommand(framesTailCmd)

	framesTailCmd.Flags().IntP("limit", "n", 20, "number of frames to show")
	framesTailCmd.Flags().Bool("raw", false, "print the raw frame JSON")
}

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Inspect the archive of received frames",
}

var framesTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent archived frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		raw, _ := cmd.Flags().GetBool("raw")

		caller, err := identity.NewFileStore(cfg.IdentityPath()).CallerID()
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		log := archive.NewFrameLog(cfg.FramesPath(caller))

		frames, err := log.Tail(limit)
		if err != nil {
			return fmt.Errorf("read frames: %w", err)
		}
		if len(frames) == 0 {
			if !cfg.ArchiveFrames {
				fmt.Println("No frames archived. Enable with: docchat config set archive_frames true")
			} else {
				fmt.Println("No frames archived yet.")
			}
			return nil
		}

		if raw {
			for _, f := range frames {
				fmt.Println(f.Raw)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tRECEIVED\tKIND\tTHREAD\tBYTES")
		for _, f := range frames {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n",
				f.Seq,
				f.At.Format("2006-01-02 15:04:05"),
				f.Kind,
				f.ThreadID,
				len(f.Raw),
			)
		}
		return w.Flush()
	},
}
