package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/pkg/api"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/scheduler"
	"github.com/psantana5/printfarm/pkg/store"
)

var (
	addPriority   string
	historyLimit  int
	historyOffset int
	historyOwner  string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the print queue",
	Long:  `Commands for submitting, listing, cancelling and re-prioritizing print jobs.`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <device-id|auto> <source>",
	Short: "Submit a print job",
	Long: `Queue a file from the controller's uploads directory on one printer, or on
"auto" to let the controller pick one.`,
	Args: cobra.ExactArgs(2),
	RunE: runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the current queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show your past jobs, newest first",
	RunE:  runQueueHistory,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or printing job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

var queuePriorityCmd = &cobra.Command{
	Use:   "priority <job-id> <high|normal|low>",
	Short: "Change the priority of a queued job (admin)",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueuePriority,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics for the last 30 days (admin)",
	RunE:  runQueueStats,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one dispatch pass now (admin)",
	RunE:  runQueueProcess,
}

var queueAutoCmd = &cobra.Command{
	Use:       "auto <enable|disable|status>",
	Short:     "Pause, resume or inspect automatic dispatching",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"enable", "disable", "status"},
	RunE:      runQueueAuto,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueShowCmd, queueHistoryCmd, queueCancelCmd,
		queuePriorityCmd, queueStatsCmd, queueProcessCmd, queueAutoCmd)

	queueAddCmd.Flags().StringVarP(&addPriority, "priority", "p", "normal", "priority tier: high, normal or low")
	queueHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of jobs (max 100)")
	queueHistoryCmd.Flags().IntVar(&historyOffset, "offset", 0, "number of jobs to skip")
	queueHistoryCmd.Flags().StringVar(&historyOwner, "owner", "", "show another user's history (admin)")
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	req := models.JobRequest{DeviceID: args[0], SourceRef: args[1], Priority: addPriority}
	var result api.AddJobResponse
	if err := call("POST", "/queue/add", req, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Job ID", result.JobID)
	table.Append("Printer", result.DeviceID)
	table.Append("Estimated", formatMinutes(result.EstimatedMinutes))
	table.Render()
	fmt.Fprintf(out, "\nJob queued successfully! %s\n", result.JobID)
	return nil
}

type jobsResponse struct {
	Jobs   []*models.Job `json:"jobs"`
	Count  int           `json:"count"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func runQueueList(cmd *cobra.Command, args []string) error {
	var result jobsResponse
	if err := call("GET", "/queue", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Jobs) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}
	renderJobs(result.Jobs)
	fmt.Fprintf(out, "\nTotal jobs: %d\n", result.Count)
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := call("GET", "/queue/"+url.PathEscape(args[0]), nil, &job); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	renderJob(&job)
	return nil
}

func runQueueHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(historyLimit))
	q.Set("offset", strconv.Itoa(historyOffset))
	if historyOwner != "" {
		q.Set("owner", historyOwner)
	}

	var result jobsResponse
	if err := call("GET", "/queue/history?"+q.Encode(), nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}
	renderJobs(result.Jobs)
	fmt.Fprintf(out, "\nShowing %d-%d of %d\n", result.Offset+1, result.Offset+len(result.Jobs), result.Total)
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := call("DELETE", "/queue/"+url.PathEscape(args[0]), nil, &job); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Fprintf(out, "Job %s cancelled\n", job.ID)
	return nil
}

func runQueuePriority(cmd *cobra.Command, args []string) error {
	var job models.Job
	body := map[string]string{"tier": args[1]}
	if err := call("PATCH", "/queue/"+url.PathEscape(args[0])+"/priority", body, &job); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Fprintf(out, "Job %s priority set to %s\n", job.ID, job.Priority)
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	var result struct {
		Since time.Time      `json:"since"`
		Stats store.JobStats `json:"stats"`
	}
	if err := call("GET", "/queue/stats", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	st := result.Stats
	table := tablewriter.NewWriter(out)
	table.Header("Metric", "Value")
	table.Append("Total", strconv.Itoa(st.Total))
	table.Append("Queued", strconv.Itoa(st.Queued))
	table.Append("Printing", strconv.Itoa(st.Printing))
	table.Append("Completed", strconv.Itoa(st.Completed))
	table.Append("Failed", strconv.Itoa(st.Failed))
	table.Append("Cancelled", strconv.Itoa(st.Cancelled))
	table.Append("Avg print time", formatMinutes(int(st.AvgActualMinutes+0.5)))
	table.Append("Total print time", formatMinutes(st.TotalActualMinutes))
	table.Render()

	if len(st.ByDevice) > 0 {
		fmt.Fprintln(out)
		devices := tablewriter.NewWriter(out)
		devices.Header("Printer", "Jobs", "Completed", "Avg print time")
		for _, id := range sortedKeys(st.ByDevice) {
			d := st.ByDevice[id]
			devices.Append(id, strconv.Itoa(d.Total), strconv.Itoa(d.Completed), formatMinutes(int(d.AvgActualMinutes+0.5)))
		}
		devices.Render()
	}
	fmt.Fprintf(out, "\nSince %s\n", result.Since.Local().Format(time.RFC3339))
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	var result struct {
		Outcomes []scheduler.Outcome `json:"outcomes"`
	}
	if err := call("POST", "/queue/process", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Outcomes) == 0 {
		fmt.Fprintln(out, "Nothing dispatched")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Printer", "Job", "Result", "Error")
	for _, o := range result.Outcomes {
		table.Append(o.DeviceID, o.JobID, o.Result, o.Error)
	}
	table.Render()
	return nil
}

func runQueueAuto(cmd *cobra.Command, args []string) error {
	var result struct {
		Enabled bool `json:"enabled"`
	}
	var err error
	if args[0] == "status" {
		err = call("GET", "/queue/auto-processing/status", nil, &result)
	} else {
		err = call("POST", "/queue/auto-processing/"+args[0], nil, &result)
	}
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	state := "disabled"
	if result.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(out, "Auto processing is %s\n", state)
	return nil
}

func renderJobs(jobs []*models.Job) {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Owner", "Printer", "File", "Status", "Priority", "Progress", "Estimate", "Created")
	for _, job := range jobs {
		table.Append(
			shortID(job.ID),
			job.OwnerID,
			job.DeviceID,
			job.FileName,
			string(job.Status),
			string(job.Priority),
			fmt.Sprintf("%d%%", job.Progress),
			formatMinutes(job.EstimatedMinutes),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

func renderJob(job *models.Job) {
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Owner", job.OwnerID)
	table.Append("Printer", job.DeviceID)
	table.Append("File", job.FileName)
	table.Append("Status", string(job.Status))
	table.Append("Priority", string(job.Priority))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	table.Append("Estimated", formatMinutes(job.EstimatedMinutes))
	if job.ActualMinutes != nil {
		table.Append("Actual", formatMinutes(*job.ActualMinutes))
	}
	table.Append("Created At", job.CreatedAt.Local().Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Local().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Finished At", job.CompletedAt.Local().Format(time.RFC3339))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()
}
