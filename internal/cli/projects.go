package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects",
	}
	cmd.AddCommand(
		newProjectsListCmd(),
		newProjectsCreateCmd(),
		newProjectsScheduleCmd(),
	)
	return cmd
}

func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/projects/?limit=100")
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Println("No projects found.")
				return nil
			}

			fmt.Printf("%-14s  %-24s  %-12s  %11s  %7s\n", "ID", "NAME", "IMAGE", "CONCURRENCY", "SUPERS")
			for _, p := range data {
				id, _ := p["id"].(string)
				name, _ := p["name"].(string)
				image, _ := p["image"].(string)
				wc, _ := p["worker_concurrency"].(float64)
				sups, _ := p["max_supervisors"].(float64)
				fmt.Printf("%-14s  %-24s  %-12s  %11d  %7d\n", id, name, image, int(wc), int(sups))
			}
			return nil
		},
	}
}

func newProjectsCreateCmd() *cobra.Command {
	var (
		image              string
		workerConcurrency  int
		maxSupervisors     int
		memoryRequirement  int64
		monthlyConcurrency int
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print its API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/projects/", map[string]any{
				"name":                args[0],
				"image":               image,
				"worker_concurrency":  workerConcurrency,
				"max_supervisors":     maxSupervisors,
				"memory_requirement":  memoryRequirement,
				"monthly_concurrency": monthlyConcurrency,
			})
			if err != nil {
				return fmt.Errorf("create project: %w", err)
			}

			var data struct {
				Project map[string]any `json:"project"`
				Token   string         `json:"token"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Project: %v\n", data.Project["id"])
			fmt.Printf("Token:   %s\n", data.Token)
			fmt.Println("Store the token now; it is not shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Worker image the project's tests need")
	cmd.Flags().IntVar(&workerConcurrency, "concurrency", 4, "Workers per run")
	cmd.Flags().IntVar(&maxSupervisors, "max-supervisors", 1, "Concurrent supervisors")
	cmd.Flags().Int64Var(&memoryRequirement, "memory-mb", 1000, "Memory per worker in MB")
	cmd.Flags().IntVar(&monthlyConcurrency, "monthly-concurrency", 1000, "Worker-lease quota per 30 days")
	cmd.MarkFlagRequired("image")
	return cmd
}

func newProjectsScheduleCmd() *cobra.Command {
	var day, night float64
	cmd := &cobra.Command{
		Use:   "schedule <project_id>",
		Short: "Show or set a project's fill-threshold schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/projects/" + args[0] + "/schedule"

			if cmd.Flags().Changed("day") || cmd.Flags().Changed("night") {
				if _, err := client.Put(path, map[string]any{
					"day_percent":   day,
					"night_percent": night,
				}); err != nil {
					return fmt.Errorf("set schedule: %w", err)
				}
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("get schedule: %w", err)
			}
			var sched map[string]any
			if err := json.Unmarshal(resp.Data, &sched); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Day:   %.0f%%\n", sched["day_percent"].(float64)*100)
			fmt.Printf("Night: %.0f%%\n", sched["night_percent"].(float64)*100)
			return nil
		},
	}
	cmd.Flags().Float64Var(&day, "day", 0.9, "Minimum worker fill fraction during business hours")
	cmd.Flags().Float64Var(&night, "night", 0.4, "Minimum worker fill fraction off-hours")
	return cmd
}
