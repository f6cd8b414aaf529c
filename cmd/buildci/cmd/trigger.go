package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/opendg-project/buildci/pkg/models"
)

var (
	triggerBranch string
	triggerSHA    string
	triggerPR     int
	triggerRepo   string
)

// triggerCmd represents the trigger command
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Deliver events to the orchestrator",
	Long:  `Commands for delivering push, pull-request and manual events. A newer event on the same ref supersedes any run the ref already has in flight.`,
}

var triggerPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Deliver a push event",
	Long:  `Deliver a push event for a branch. Workflows only start for branches named in their push trigger.`,
	RunE:  runTriggerPush,
}

var triggerPRCmd = &cobra.Command{
	Use:   "pr",
	Short: "Deliver a pull-request event",
	Long:  `Deliver a pull-request event. PR-triggered workflows start regardless of the target branch.`,
	RunE:  runTriggerPR,
}

var triggerManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Start workflows manually",
	Long:  `Deliver a manual event, which matches every configured workflow.`,
	RunE:  runTriggerManual,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerPushCmd)
	triggerCmd.AddCommand(triggerPRCmd)
	triggerCmd.AddCommand(triggerManualCmd)

	triggerPushCmd.Flags().StringVar(&triggerBranch, "branch", "", "branch that was pushed (required)")
	triggerPushCmd.Flags().StringVar(&triggerSHA, "sha", "", "commit SHA of the push head")
	triggerPushCmd.Flags().StringVar(&triggerRepo, "repo", "", "repository URL override")
	triggerPushCmd.MarkFlagRequired("branch")

	triggerPRCmd.Flags().IntVar(&triggerPR, "number", 0, "pull request number (required)")
	triggerPRCmd.Flags().StringVar(&triggerBranch, "branch", "", "PR head branch")
	triggerPRCmd.Flags().StringVar(&triggerSHA, "sha", "", "commit SHA of the PR head")
	triggerPRCmd.Flags().StringVar(&triggerRepo, "repo", "", "repository URL override")
	triggerPRCmd.MarkFlagRequired("number")

	triggerManualCmd.Flags().StringVar(&triggerBranch, "branch", "", "branch to build")
	triggerManualCmd.Flags().StringVar(&triggerSHA, "sha", "", "commit SHA to build")
	triggerManualCmd.Flags().StringVar(&triggerRepo, "repo", "", "repository URL override")
}

func runTriggerPush(cmd *cobra.Command, args []string) error {
	return deliverEvent(&models.Event{
		Type:      models.EventPush,
		Branch:    triggerBranch,
		CommitSHA: triggerSHA,
		RepoURL:   triggerRepo,
	})
}

func runTriggerPR(cmd *cobra.Command, args []string) error {
	return deliverEvent(&models.Event{
		Type:      models.EventPullRequest,
		PRNumber:  triggerPR,
		Branch:    triggerBranch,
		CommitSHA: triggerSHA,
		RepoURL:   triggerRepo,
	})
}

func runTriggerManual(cmd *cobra.Command, args []string) error {
	return deliverEvent(&models.Event{
		Type:      models.EventManual,
		Branch:    triggerBranch,
		CommitSHA: triggerSHA,
		RepoURL:   triggerRepo,
	})
}

type dispatchResponse struct {
	Dispatched int          `json:"dispatched"`
	Runs       []models.Run `json:"runs"`
}

func deliverEvent(event *models.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	reqBody, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/events", GetServerURL())
	httpReq, err := CreateAuthenticatedRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to orchestrator API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result dispatchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if result.Dispatched == 0 {
		fmt.Println("Event accepted but matched no workflow")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Workflow", "Ref", "Group", "Created")
	for _, run := range result.Runs {
		table.Append(shortID(run.ID), run.Workflow, run.Ref, run.ConcurrencyGroup,
			run.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\nDispatched %d run(s)\n", result.Dispatched)
	return nil
}
