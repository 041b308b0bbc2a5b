package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	cmd.AddCommand(newTaskGetCmd())
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task's status and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			params := a2a.TaskQueryParams{ID: args[0]}
			if cmd.Flags().Changed("history") {
				params.HistoryLength = &history
			}
			var task a2a.Task
			if err := newClient(cfg, 10*time.Second).rpc(cmd.Context(), a2a.MethodTasksGet, params, &task); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(task)
			}

			fmt.Printf("%s  %s\n", styleLabel.Render("task"), task.ID)
			fmt.Printf("%s  %s\n", styleLabel.Render("context"), task.ContextID)
			fmt.Printf("%s  %s\n", styleLabel.Render("state"), stateStyle(task.Status.State).Render(string(task.Status.State)))
			if task.Status.Message != nil {
				fmt.Printf("%s  %s\n", styleLabel.Render("status"), task.Status.Message.Text())
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Role", "Content"})
			for i, m := range task.History {
				tw.AppendRow(table.Row{i + 1, m.Role, shared.Truncate(describeMessage(m), 100)})
			}
			tw.Render()
			for _, art := range task.Artifacts {
				fmt.Printf("%s  %s\n", styleLabel.Render("artifact"), art.Name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "number of recent history messages to include")
	return cmd
}

// describeMessage renders text parts as-is and tool traffic by tool name.
func describeMessage(m a2a.Message) string {
	var parts []string
	for _, p := range m.Parts {
		switch p.DataType() {
		case a2a.DataTypeToolCall:
			parts = append(parts, fmt.Sprintf("[tool call %v]", p.Data["name"]))
		case a2a.DataTypeToolResult:
			parts = append(parts, fmt.Sprintf("[tool result %v]", p.Data["name"]))
		default:
			if p.Text != "" {
				parts = append(parts, strings.ReplaceAll(p.Text, "\n", " "))
			}
		}
	}
	return strings.Join(parts, " ")
}
