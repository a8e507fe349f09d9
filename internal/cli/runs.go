package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the project's test runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/runs/?limit=50"
			if state != "" {
				path += "&state=" + state
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-42s  %-12s  %7s  %-12s  %s\n", "ID", "STATE", "WORKERS", "BRANCH", "STARTED")
			for _, run := range data {
				id, _ := run["id"].(string)
				st, _ := run["state"].(string)
				assigned, _ := run["assigned_concurrency"].(float64)
				branch, _ := run["branch"].(string)
				if branch == "" {
					branch = "-"
				}
				fmt.Printf("%-42s  %-12s  %7d  %-12s  %s\n",
					id, st, int(assigned), branch, ago(run["started_at"]))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (starting, running, completed, failed, unfulfilled)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/runs/" + args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			var run map[string]any
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run: %v\n", run["id"])
			fmt.Printf("  State:    %v\n", run["state"])
			requested, _ := run["concurrency"].(float64)
			assigned, _ := run["assigned_concurrency"].(float64)
			fmt.Printf("  Workers:  %d of %d requested\n", int(assigned), int(requested))
			if branch, _ := run["branch"].(string); branch != "" {
				fmt.Printf("  Branch:   %s\n", branch)
			}
			fmt.Printf("  Started:  %s\n", ago(run["started_at"]))
			if started, finished, ok := runWindow(run); ok {
				fmt.Printf("  Duration: %s\n", finished.Sub(started).Round(time.Second))
			}
			if note, _ := run["note"].(string); note != "" {
				fmt.Printf("  Note:     %s\n", note)
			}
			return nil
		},
	}
}

func runWindow(run map[string]any) (time.Time, time.Time, bool) {
	started, _ := run["started_at"].(string)
	finished, _ := run["finished_at"].(string)
	if started == "" || finished == "" {
		return time.Time{}, time.Time{}, false
	}
	s, err1 := time.Parse(time.RFC3339Nano, started)
	f, err2 := time.Parse(time.RFC3339Nano, finished)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return s, f, true
}
