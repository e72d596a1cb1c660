// ABOUTME: Table and detail rendering for requests and devices
// ABOUTME: Statuses are colored; long commands are truncated in tables

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/greyzone/greyzone/internal/client"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorStatus(status string) string {
	switch status {
	case "pending":
		return color.YellowString(status)
	case "running":
		return color.CyanString(status)
	case "completed":
		return color.GreenString(status)
	case "failed", "denied":
		return color.RedString(status)
	default:
		return color.HiBlackString(status)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func requestTable(w io.Writer, reqs []*client.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No requests found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tAGENT\tCOMMAND\tCREATED")
	for _, r := range reqs {
		agent := r.Agent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, colorStatus(r.Status), r.Priority, agent, truncate(r.Command, 40),
			r.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	tw.Flush()
}

func requestDetail(w io.Writer, r *client.Request) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", colorStatus(r.Status))
	fmt.Fprintf(tw, "Command:\t%s\n", r.Command)
	if r.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", r.Reason)
	}
	if r.Agent != "" {
		fmt.Fprintf(tw, "Agent:\t%s\n", r.Agent)
	}
	fmt.Fprintf(tw, "Priority:\t%s\n", r.Priority)
	fmt.Fprintf(tw, "Created:\t%s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s\n", r.ExpiresAt.Format(time.RFC3339))
	if r.ApprovedAt != nil {
		fmt.Fprintf(tw, "Approved:\t%s by %s\n", r.ApprovedAt.Format(time.RFC3339), r.ApprovedBy)
	}
	if r.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.ExitCode != nil {
		fmt.Fprintf(tw, "Exit code:\t%d\n", *r.ExitCode)
	}
	tw.Flush()

	if r.Stdout != "" {
		fmt.Fprintf(w, "\n%s\n%s", color.HiBlackString("--- stdout ---"), r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Fprintf(w, "\n%s\n%s", color.HiBlackString("--- stderr ---"), r.Stderr)
	}
}

func deviceTable(w io.Writer, devs []*client.Device) {
	if len(devs) == 0 {
		fmt.Fprintln(w, "No devices registered.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tREGISTERED\tLAST USED")
	for _, d := range devs {
		lastUsed := "never"
		if d.LastUsedAt != nil {
			lastUsed = d.LastUsedAt.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			d.ID, truncate(d.Name, 30), d.RegisteredAt.Local().Format("Jan 02 15:04"), lastUsed)
	}
	tw.Flush()
}
