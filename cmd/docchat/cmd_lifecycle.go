package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

var errNoServer = errors.New("no running docchat server")

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "docchat.pid")
}

// writePIDFile records this process as the running "docchat serve".
func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if pid, err := runningPID(path); err == nil && pid != os.Getpid() {
		return "", fmt.Errorf("docchat serve already running (PID %d)", pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// runningPID returns the PID stored at path if that process is alive.
func runningPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, errNoServer
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt PID file %s", path)
	}
	// Signal 0 probes for the process without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, fmt.Errorf("%w (stale PID %d)", errNoServer, pid)
	}
	return pid, nil
}

// signalServer delivers sig to the server recorded in the data dir.
func signalServer(sig syscall.Signal) (int, error) {
	pid, err := runningPID(pidPath(loadConfig().DataDir))
	if err != nil {
		return 0, err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return 0, fmt.Errorf("signal %d with %v: %w", pid, sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running docchat serve",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalServer(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Stopping docchat serve (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Make a running docchat serve reconnect to the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalServer(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Asked docchat serve (PID %d) to reconnect.\n", pid)
		return nil
	},
}
