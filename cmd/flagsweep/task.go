package main

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/flagsweep/internal/controlplane"
	"github.com/fentz26/flagsweep/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage removal tasks",
}

var taskRequestCmd = &cobra.Command{
	Use:   "request [flag]",
	Short: "Request removal of a feature flag",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRequest,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [flag]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var (
	requestedBy string
	taskStatus  string
)

func init() {
	taskCmd.AddCommand(taskRequestCmd, taskListCmd, taskShowCmd)

	taskRequestCmd.Flags().StringVar(&requestedBy, "by", defaultRequester(), "Requester recorded on the task")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, completed, failed)")
}

func defaultRequester() string {
	name := "cli"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		return name + "@" + host
	}
	return name
}

func runTaskRequest(cmd *cobra.Command, args []string) error {
	var task models.Task
	err := apiPost("/tasks", controlplane.CreateTaskRequest{FlagName: args[0], RequestedBy: requestedBy}, &task)
	if err != nil {
		return err
	}
	fmt.Printf("Requested removal of %s (task %s, %s)\n", task.FlagName, task.Key(), renderStatus(string(task.Status)))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + url.QueryEscape(taskStatus)
	}

	var tasks []models.Task
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLAG\tSTATUS\tREQUESTED BY\tCREATED\tRESULT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(t.FlagName, 40),
			renderStatus(string(t.Status)),
			t.RequestedBy,
			t.CreatedAt.Local().Format(time.DateTime),
			taskResult(t),
		)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGet("/tasks/"+url.PathEscape(args[0]), &t); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(t.Key()))
	field := func(label, value string) {
		if value != "" {
			fmt.Println(labelStyle.Render(label) + value)
		}
	}
	field("Flag", t.FlagName)
	field("Type", string(t.Kind))
	field("Status", renderStatus(string(t.Status)))
	field("Requested by", t.RequestedBy)
	field("Branch", t.Branch())
	field("Failure", t.FailureReason)
	field("Note", t.Note)
	field("Proposal", t.ProposalURL)
	field("Created", t.CreatedAt.Local().Format(time.RFC3339))
	field("Updated", t.UpdatedAt.Local().Format(time.RFC3339))
	return nil
}

// taskResult summarises the outcome column of task list.
func taskResult(t models.Task) string {
	switch {
	case t.ProposalURL != "":
		return t.ProposalURL
	case t.FailureReason != "":
		return truncate(t.FailureReason, 60)
	case t.Note != "":
		return mutedStyle.Render(t.Note)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
