// ABOUTME: list, get, and devices commands for inspecting the gateway
// ABOUTME: Renders tables with tabwriter or raw JSON with --json

package main

import (
	"github.com/spf13/cobra"
)

var (
	flagStatus string
	flagLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := apiClient.List(cmd.Context(), flagStatus, flagLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), reqs)
		}
		requestTable(cmd.OutOrStdout(), reqs)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := apiClient.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), req)
		}
		requestDetail(cmd.OutOrStdout(), req)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered approver devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := apiClient.Devices(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), devs)
		}
		deviceTable(cmd.OutOrStdout(), devs)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&flagStatus, "status", "", "Filter by status: pending, running, completed, failed, denied, expired")
	listCmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum requests to show (default 100)")
	rootCmd.AddCommand(listCmd, getCmd, devicesCmd)
}
