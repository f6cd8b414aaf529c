package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/retry"
)

var (
	// runs list flags
	statusFilter   string
	workflowFilter string

	// runs status flags
	followStatus bool
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect workflow runs",
	Long:  `Commands for listing, following and cancelling workflow runs on the orchestrator.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long:  `List runs, newest first, optionally filtered by status or workflow.`,
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Get run status",
	Long:  `Retrieve the status of a specific run by its ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Long:  `Cancel a queued or executing run. Terminal runs cannot be cancelled.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Get logs for a run",
	Long:  `Retrieve the captured build and smoke-test output for a run.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (queued, building, verifying, succeeded, failed, cancelled, superseded)")
	runsListCmd.Flags().StringVar(&workflowFilter, "workflow", "", "filter by workflow name")

	runsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll run status every 2 seconds until it reaches a terminal state")
}

func fetchRuns(query string) ([]models.Run, error) {
	url := fmt.Sprintf("%s/runs%s", GetServerURL(), query)
	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var runs []models.Run
	if err := json.Unmarshal(body, &runs); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return runs, nil
}

func fetchRun(id string) (*models.Run, error) {
	url := fmt.Sprintf("%s/runs/%s", GetServerURL(), id)
	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var run models.Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &run, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	query := ""
	sep := "?"
	if statusFilter != "" {
		query += sep + "status=" + statusFilter
		sep = "&"
	}
	if workflowFilter != "" {
		query += sep + "workflow=" + workflowFilter
	}

	runs, err := fetchRuns(query)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Workflow", "Ref", "Status", "Cache", "Created", "Duration")
	for _, run := range runs {
		cache := ""
		if run.CacheHit {
			cache = "hit"
		} else if run.StartedAt != nil {
			cache = "miss"
		}
		duration := ""
		if d := run.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		table.Append(shortID(run.ID), run.Workflow, run.Ref, string(run.Status), cache,
			run.CreatedAt.Format(time.RFC3339), duration)
	}
	table.Render()
	fmt.Printf("\nTotal: %d runs\n", len(runs))
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	if !followStatus {
		run, err := fetchRun(runID)
		if err != nil {
			return err
		}
		return displayRun(run)
	}

	fmt.Printf("Following run %s (press Ctrl+C to stop)...\n\n", runID)
	for {
		run, err := fetchRun(runID)
		if err != nil {
			// A transient API hiccup should not kill the watch
			if retry.IsRetryable(err) {
				fmt.Fprintf(os.Stderr, "transient error, retrying: %v\n", err)
				time.Sleep(2 * time.Second)
				continue
			}
			return err
		}

		fmt.Print("\033[H\033[2J") // clear screen
		if err := displayRun(run); err != nil {
			return err
		}
		if models.IsTerminalState(run.Status) {
			fmt.Println("\nRun reached terminal state")
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func displayRun(run *models.Run) error {
	if IsJSONOutput() {
		output, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", run.ID)
	table.Append("Workflow", run.Workflow)
	table.Append("Event", string(run.Event))
	table.Append("Ref", run.Ref)
	if run.CommitSHA != "" {
		table.Append("Commit", run.CommitSHA)
	}
	table.Append("Group", run.ConcurrencyGroup)
	table.Append("Status", string(run.Status))
	if run.ImageTag != "" {
		table.Append("Image", run.ImageTag)
		if run.CacheHit {
			table.Append("Cache", "hit")
		} else {
			table.Append("Cache", "miss")
		}
	}
	table.Append("Created At", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		table.Append("Started At", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		table.Append("Completed At", run.CompletedAt.Format(time.RFC3339))
		table.Append("Duration", run.Duration().Round(time.Second).String())
		table.Append("Exit Code", fmt.Sprintf("%d", run.ExitCode))
	}
	if run.Error != "" {
		table.Append("Error", run.Error)
	}
	table.Render()
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	url := fmt.Sprintf("%s/runs/%s/cancel", GetServerURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to orchestrator API: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Run %s cancelled\n", runID)
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	runID := args[0]
	url := fmt.Sprintf("%s/runs/%s/logs", GetServerURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to orchestrator API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
