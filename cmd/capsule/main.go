package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

var (
	flagHome string
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Capsule agent server",
	Long: `Capsule serves one configurable agent over the A2A protocol.
Messages either get a direct reply or become tasks when the agent uses tools;
schedules send prompts on a cron timer and completion hooks report results.

Configuration lives in $CAPSULE_HOME/config.yaml (default ~/.capsule).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagHome != "" {
			_ = os.Setenv("CAPSULE_HOME", flagHome)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "data directory (overrides CAPSULE_HOME)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output JSON")
	rootCmd.Version = Version

	rootCmd.AddCommand(newServeCmd(), newScheduleCmd(), newTaskCmd(), newStatusCmd(), newDoctorCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config load: %w", err)
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
