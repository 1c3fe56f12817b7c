package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/docchat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("docchat setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Server.URL = prompt(scanner, "Server websocket URL", cfg.Server.URL)
		cfg.Server.Token = promptSecret(scanner, "Server token (optional)", cfg.Server.Token)
		cfg.Docs.BaseURL = prompt(scanner, "Document base URL", cfg.Docs.BaseURL)

		timeout := prompt(scanner, "Response timeout in seconds (0 = wait forever)", strconv.Itoa(cfg.ResponseTimeoutMS/1000))
		if n, err := strconv.Atoi(timeout); err == nil && n >= 0 {
			cfg.ResponseTimeoutMS = n * 1000
		}

		archive := prompt(scanner, "Archive received frames (y/n)", yesNo(cfg.ArchiveFrames))
		cfg.ArchiveFrames = strings.HasPrefix(strings.ToLower(archive), "y")

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}

// prompt reads one line, falling back to defaultVal on empty input.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	return promptShown(scanner, label, defaultVal, defaultVal)
}

// promptSecret is prompt with the current value masked in the brackets.
func promptSecret(scanner *bufio.Scanner, label, current string) string {
	shown := config.MaskSecrets(map[string]any{"token": current})["token"].(string)
	return promptShown(scanner, label, current, shown)
}

func promptShown(scanner *bufio.Scanner, label, defaultVal, shown string) string {
	if shown != "" {
		fmt.Printf("%s [%s]: ", label, shown)
	} else {
		fmt.Printf("%s: ", label)
	}
	if !scanner.Scan() {
		return defaultVal
	}
	if input := strings.TrimSpace(scanner.Text()); input != "" {
		return input
	}
	return defaultVal
}
