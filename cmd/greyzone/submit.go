// ABOUTME: submit command: queues a command for approval and optionally waits for it
// ABOUTME: With --wait the CLI mirrors the approved command's output and exit code

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/greyzone/greyzone/internal/client"
)

var (
	flagReason   string
	flagAgent    string
	flagPriority string
	flagTimeout  time.Duration
	flagWait     bool
	flagPoll     time.Duration
	flagIdemKey  string
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- <command...>",
	Short: "Queue a command for approval",
	Long: `Queue a shell command on the gateway. It runs only after an approver
confirms it with a passkey.

  greyzone submit --reason "ship it" -- make deploy
  greyzone submit --wait --timeout 10m -- ./migrate.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagTimeout < 0 {
			return errors.New("--timeout must not be negative")
		}

		in := client.SubmitInput{
			Command:  strings.Join(args, " "),
			Reason:   flagReason,
			Agent:    flagAgent,
			Priority: flagPriority,
			Timeout:  int64(flagTimeout / time.Second),

			IdempotencyKey: flagIdemKey,
		}

		ctx := cmd.Context()
		sub, err := apiClient.Submit(ctx, in)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !flagWait {
			if flagJSON {
				return printJSON(out, sub)
			}
			fmt.Fprintf(out, "%s Request queued: %s\n", color.GreenString("✓"), sub.ID)
			fmt.Fprintf(out, "  Expires: %s\n", sub.ExpiresAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "  Approve at %s\n", apiClient.BaseURL)
			return nil
		}

		if !flagJSON {
			fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for approval of %s...\n", sub.ID)
		}
		final, err := apiClient.Wait(ctx, sub.ID, flagPoll, func(r *client.Request) {
			if !flagJSON && r.Status == "running" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Approved by %s, running...\n", r.ApprovedBy)
			}
		})
		if err != nil {
			return err
		}

		if flagJSON {
			if err := printJSON(out, final); err != nil {
				return err
			}
		} else {
			fmt.Fprint(out, final.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), final.Stderr)
			if final.Status == "denied" || final.Status == "expired" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s Request %s\n", color.RedString("✗"), final.Status)
			}
		}

		if code := exitCode(final); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

// exitCode maps a resolved request onto the CLI's exit status.
func exitCode(r *client.Request) int {
	switch r.Status {
	case "completed":
		return 0
	case "failed":
		if r.ExitCode != nil && *r.ExitCode != 0 {
			return *r.ExitCode
		}
		return 1
	default:
		return 1
	}
}

func init() {
	submitCmd.Flags().StringVar(&flagReason, "reason", "", "Why the command should run")
	submitCmd.Flags().StringVar(&flagAgent, "agent", "", "Submitting agent name (ignored when the token names one)")
	submitCmd.Flags().StringVar(&flagPriority, "priority", "", "normal or high")
	submitCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "How long the request waits for approval (default: gateway setting)")
	submitCmd.Flags().BoolVar(&flagWait, "wait", false, "Wait for the request to resolve and mirror its output")
	submitCmd.Flags().StringVar(&flagIdemKey, "idempotency-key", "", "Retries with the same key return the original request")
	submitCmd.Flags().DurationVar(&flagPoll, "poll", client.DefaultPollInterval, "Poll interval while waiting")
	rootCmd.AddCommand(submitCmd)
}
