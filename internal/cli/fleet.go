package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ago renders an RFC3339 timestamp as a relative time, or "-" if absent.
func ago(raw any) string {
	s, _ := raw.(string)
	if s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return humanize.Time(t)
}

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect and manage the machine fleet",
	}
	cmd.AddCommand(
		newFleetMachinesCmd(),
		newFleetWorkersCmd(),
		newFleetSupervisorsCmd(),
		newFleetDrainCmd(),
		newFleetRemoveCmd(),
	)
	return cmd
}

func newFleetMachinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List registered machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/machines/?limit=100")
			if err != nil {
				return fmt.Errorf("list machines: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Println("No machines registered.")
				return nil
			}

			fmt.Printf("%-20s  %-15s  %5s  %10s  %s\n", "UID", "HOST", "CPUS", "MEMORY", "LAST PING")
			for _, m := range data {
				uid, _ := m["uid"].(string)
				host, _ := m["host_ip"].(string)
				cpus, _ := m["cpus"].(float64)
				mem, _ := m["memory_mb"].(float64)
				fmt.Printf("%-20s  %-15s  %5d  %10s  %s\n",
					uid, host, int(cpus), humanize.IBytes(uint64(mem)*1024*1024), ago(m["last_ping_at"]))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}
}

func newFleetWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workers/?limit=100")
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Println("No workers registered.")
				return nil
			}

			fmt.Printf("%-20s  %-20s  %-10s  %-12s  %s\n", "UID", "MACHINE", "STATE", "PROJECT", "LAST SEEN")
			for _, w := range data {
				uid, _ := w["uid"].(string)
				machine, _ := w["machine_uid"].(string)
				state, _ := w["state"].(string)
				project, _ := w["project_id"].(string)
				if project == "" {
					project = "-"
				}
				fmt.Printf("%-20s  %-20s  %-10s  %-12s  %s\n",
					uid, machine, state, project, ago(w["last_checked_at"]))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}
}

func newFleetSupervisorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervisors",
		Short: "List supervisors",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/supervisors/?limit=100")
			if err != nil {
				return fmt.Errorf("list supervisors: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Println("No supervisors registered.")
				return nil
			}

			fmt.Printf("%-20s  %-20s  %-10s  %-12s  %s\n", "UID", "MACHINE", "STATE", "PROJECT", "IN USE")
			for _, s := range data {
				uid, _ := s["uid"].(string)
				machine, _ := s["machine_uid"].(string)
				state, _ := s["state"].(string)
				project, _ := s["project_id"].(string)
				if project == "" {
					project = "-"
				}
				fmt.Printf("%-20s  %-20s  %-10s  %-12s  %s\n",
					uid, machine, state, project, ago(s["in_use_at"]))
			}
			return nil
		},
	}
}

func newFleetDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain <machine_uid>",
		Short: "Stop allocating new work onto a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post("/api/v1/machines/"+args[0]+"/drain", nil); err != nil {
				return fmt.Errorf("drain machine: %w", err)
			}
			fmt.Printf("Machine %s draining; existing workers keep running.\n", args[0])
			return nil
		},
	}
}

func newFleetRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <machine_uid>",
		Short: "Deregister a machine and everything on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Delete("/api/v1/machines/" + args[0]); err != nil {
				return fmt.Errorf("deregister machine: %w", err)
			}
			fmt.Printf("Machine %s deregistered.\n", args[0])
			return nil
		},
	}
}
