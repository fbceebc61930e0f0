package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/flowhub/internal/client"
	"github.com/raphaelgruber/flowhub/internal/models"
)

var (
	tasksStatus []string
	tasksName   string
	tasksOwner  string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks [task-id]",
	Short: "List or inspect background tasks",
	Long: `List your background tasks or inspect one by ID.

Examples:
  flowhub tasks                       # List recent tasks
  flowhub tasks --status running      # Only running tasks
  flowhub tasks 3f2a...               # Show details and logs for one task`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTasks,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if jsonOut {
			return printJSON(t)
		}
		fmt.Printf("Task %s is %s\n", t.ID, t.Status)
		return nil
	},
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := followTask(cmd.Context(), args[0])
		if t != nil && !interactive() {
			writeResult(t)
		}
		return err
	},
}

func init() {
	tasksCmd.Flags().StringSliceVarP(&tasksStatus, "status", "s", nil, "filter by status (pending, running, completed, failed, cancelled)")
	tasksCmd.Flags().StringVar(&tasksName, "name", "", "filter by task name")
	tasksCmd.Flags().StringVar(&tasksOwner, "owner", "", "filter by owner (admins only)")
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 20, "max results")

	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksWatchCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 {
		return showTask(ctx, args[0])
	}
	return listTasks(ctx)
}

func listTasks(ctx context.Context) error {
	opts := client.ListTasksOptions{Name: tasksName, Owner: tasksOwner, Limit: tasksLimit}
	for _, s := range tasksStatus {
		opts.Status = append(opts.Status, models.Status(strings.ToUpper(s)))
	}
	tasks, err := apiClient.ListTasks(ctx, opts)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if jsonOut {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	writeTaskTable(os.Stdout, tasks)
	return nil
}

func showTask(ctx context.Context, id string) error {
	t, err := apiClient.GetTask(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("task not found: %s", id)
		}
		return fmt.Errorf("get task: %w", err)
	}
	if jsonOut {
		return printJSON(t)
	}
	writeTask(os.Stdout, t)
	return nil
}

func writeResult(t *models.Task) {
	if jsonOut {
		_ = printJSON(t)
		return
	}
	if t.Result != nil {
		_ = printJSON(t.Result)
	}
}
