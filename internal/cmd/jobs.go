package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/regenrek/moltlets/pkg/jobqueue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the local job queue",
}

var (
	jobsListStatus string
	jobsListKind   string
	jobsListLimit  int

	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs in the queue",
		RunE:  runJobsList,
	}
)

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsEnqueueKind      string
	jobsEnqueuePayload   string
	jobsEnqueueRequester string

	jobsEnqueueCmd = &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job directly into the local queue",
		Example: `  moltlets jobs enqueue --kind cattle.reap --payload '{"dryRun":true}'
  moltlets jobs enqueue --kind cattle.spawn --payload '{"persona":"claude-dev","task":"fix the build"}'`,
		RunE: runJobsEnqueue,
	}
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsEnqueueCmd)

	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Comma-separated status filter")
	jobsListCmd.Flags().StringVar(&jobsListKind, "kind", "", "Job kind filter")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum jobs to list")

	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueKind, "kind", "", "Job kind (required)")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueuePayload, "payload", "", "JSON payload (required)")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueRequester, "requester", "cli", "Requester identity")
	_ = jobsEnqueueCmd.MarkFlagRequired("kind")
	_ = jobsEnqueueCmd.MarkFlagRequired("payload")
}

func openQueue(cmd *cobra.Command) (*jobqueue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return jobqueue.Open(appContext(cmd), jobqueue.Config{Path: cfg.Queue.Path})
}

func runJobsList(cmd *cobra.Command, args []string) error {
	queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	filter := jobqueue.ListFilter{Kind: jobsListKind, Limit: jobsListLimit}
	for _, part := range strings.Split(jobsListStatus, ",") {
		status := jobqueue.Status(strings.TrimSpace(part))
		if status.Valid() {
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	jobs, err := queue.List(appContext(cmd), filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%-36s %-14s %-10s %s\n", job.ID, job.Kind, job.Status, job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	job, err := queue.Get(appContext(cmd), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	if err := queue.Cancel(appContext(cmd), args[0]); err != nil {
		return err
	}
	fmt.Printf("canceled %s\n", args[0])
	return nil
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	queue, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	jobID, err := queue.Enqueue(appContext(cmd), jobqueue.EnqueueParams{
		Kind:      jobsEnqueueKind,
		Requester: jobsEnqueueRequester,
		Payload:   json.RawMessage(jobsEnqueuePayload),
	})
	if err != nil {
		return err
	}
	fmt.Println(jobID)
	return nil
}
