package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var upload bool
	cmd := &cobra.Command{
		Use:   "logs <key>",
		Short: "Get a presigned URL for a run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := "get"
			if upload {
				method = "put"
			}
			path := "/api/v1/logs/url?key=" + url.QueryEscape(args[0]) + "&method=" + method
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("log url: %w", err)
			}

			var data map[string]string
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Println(data["url"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&upload, "upload", false, "Issue an upload URL instead of a download URL")
	return cmd
}
