package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local installation for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loadErr := config.Load()
			opts := doctor.Options{SkipNetwork: offline, LoadError: loadErr}
			d := doctor.Run(cmd.Context(), &cfg, Version, opts)
			if flagJSON {
				if err := printJSON(d); err != nil {
					return err
				}
			} else {
				renderDiagnosis(d)
			}
			if d.Failed() {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the provider DNS check")
	return cmd
}

func renderDiagnosis(d doctor.Diagnosis) {
	fmt.Println(styleDim.Render(fmt.Sprintf("capsule %s  %s/%s  %s", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)))
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Check", "Status", "Message"})
	for _, r := range d.Results {
		msg := r.Message
		if r.Detail != "" {
			msg += "\n" + styleDim.Render(r.Detail)
		}
		t.AppendRow(table.Row{r.Name, statusStyle(r.Status).Render(r.Status), msg})
	}
	t.Render()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case doctor.StatusPass:
		return styleOK
	case doctor.StatusWarn:
		return styleWarn
	case doctor.StatusFail:
		return styleErr
	default:
		return styleDim
	}
}
