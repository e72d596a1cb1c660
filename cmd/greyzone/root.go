// ABOUTME: Root cobra command for the greyzone CLI with server and token resolution
// ABOUTME: Flags override GREYZONE_URL and GREYZONE_TOKEN, which override the token file

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/greyzone/greyzone/internal/client"
)

const defaultServerURL = "http://localhost:8080"

var (
	flagJSON      bool
	flagServerURL string
	flagToken     string

	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "greyzone",
	Short: "Submit commands for passkey approval",
	Long: `greyzone queues shell commands on a greyzone gateway. A human approves
each one with a passkey before the gateway runs it.

  greyzone submit -- make deploy         Queue a command
  greyzone submit --wait -- make deploy  Queue and wait for the result
  greyzone list --status pending         Show what is waiting
  greyzone get req_0123456789ab          Show one request`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(resolveServerURL(), resolveToken())
		return nil
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "Gateway URL (default: $GREYZONE_URL or "+defaultServerURL+")")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Submitter token (default: $GREYZONE_TOKEN or ~/.config/greyzone/token)")
}

func resolveServerURL() string {
	if flagServerURL != "" {
		return flagServerURL
	}
	if u := os.Getenv("GREYZONE_URL"); u != "" {
		return u
	}
	return defaultServerURL
}

// resolveToken returns the flag, the environment, or the token file, in that
// order. An empty token is fine for gateways that accept anonymous submissions.
func resolveToken() string {
	if flagToken != "" {
		return flagToken
	}
	if token := os.Getenv("GREYZONE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "greyzone", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
