package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

var (
	styleLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Width(9)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func stateStyle(s a2a.TaskState) lipgloss.Style {
	switch s {
	case a2a.TaskStateCompleted:
		return styleOK
	case a2a.TaskStateFailed, a2a.TaskStateRejected:
		return styleErr
	case a2a.TaskStateCanceled:
		return styleDim
	default:
		return styleWarn
	}
}

type healthReport struct {
	Healthy       bool   `json:"healthy"`
	DBOK          bool   `json:"db_ok"`
	ConfigHash    string `json:"config_hash"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := newClient(cfg, 3*time.Second)
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			var h healthReport
			_, reqErr := c.do(ctx, "GET", "/healthz", nil, &h)
			if flagJSON {
				if reqErr != nil {
					return reqErr
				}
				return printJSON(h)
			}
			if reqErr != nil {
				fmt.Println(styleBox.Render(fmt.Sprintf("%s %s\n%s %s",
					styleLabel.Render("server"), styleErr.Render("unreachable or unhealthy"),
					styleLabel.Render("url"), c.baseURL)))
				return reqErr
			}
			state := styleOK.Render("healthy")
			if !h.Healthy {
				state = styleErr.Render("unhealthy")
			}
			db := styleOK.Render("ok")
			if !h.DBOK {
				db = styleErr.Render("error")
			}
			fmt.Println(styleBox.Render(fmt.Sprintf("%s %s\n%s %s\n%s %s\n%s %s\n%s %s",
				styleLabel.Render("server"), state,
				styleLabel.Render("url"), c.baseURL,
				styleLabel.Render("database"), db,
				styleLabel.Render("uptime"), (time.Duration(h.UptimeSeconds) * time.Second).String(),
				styleLabel.Render("config"), styleDim.Render(h.ConfigHash))))
			if !h.Healthy {
				return fmt.Errorf("server unhealthy")
			}
			return nil
		},
	}
}
