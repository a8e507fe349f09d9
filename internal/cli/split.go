package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSplitCmd() *cobra.Command {
	var buckets int
	cmd := &cobra.Command{
		Use:   "split <file>...",
		Short: "Preview how test files would be split across workers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/split", map[string]any{
				"filenames":   args,
				"num_buckets": buckets,
			})
			if err != nil {
				return fmt.Errorf("split: %w", err)
			}

			var result struct {
				Buckets [][]string `json:"buckets"`
				Method  string     `json:"method"`
			}
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Method: %s\n", result.Method)
			for i, bucket := range result.Buckets {
				fmt.Printf("Bucket %d (%d files):\n", i+1, len(bucket))
				for _, f := range bucket {
					fmt.Printf("  %s\n", f)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&buckets, "buckets", 2, "Number of workers to split across")
	return cmd
}
