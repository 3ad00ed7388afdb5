package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitAddr        string
	submitPriority    string
	submitDescription string
)

var submitCmd = &cobra.Command{
	Use:   "submit <title>",
	Short: "Submit a goal to a running conductor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]string{
			"title":       strings.Join(args, " "),
			"description": submitDescription,
			"priority":    submitPriority,
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(submitAddr+"/api/v1/goals", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("submit goal: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("submit goal: %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			pretty.Write(data)
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAddr, "addr", "http://localhost:8080", "base URL of the conductor API")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "medium", "goal priority: low, medium, high, critical")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "goal description")
}
