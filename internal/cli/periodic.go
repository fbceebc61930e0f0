package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var periodicCmd = &cobra.Command{
	Use:   "periodic",
	Short: "Show periodic jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient.Periodic(cmd.Context())
		if err != nil {
			return fmt.Errorf("periodic status: %w", err)
		}
		if jsonOut {
			return printJSON(status)
		}
		jobs := slices.Clone(status.Jobs)
		slices.Sort(jobs)
		fmt.Printf("%-18s %-8s %-10s %s\n", "JOB", "ENABLED", "INTERVAL", "IN FLIGHT")
		fmt.Println(strings.Repeat("-", 56))
		for _, name := range jobs {
			s := status.Settings.Jobs[name]
			inFlight := "-"
			if id, ok := status.InFlight[name]; ok {
				inFlight = shortID(id)
			}
			fmt.Printf("%-18s %-8t %-10s %s\n", name, s.Enabled, s.Interval, inFlight)
		}
		return nil
	},
}

var periodicRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a periodic job now (admins only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient.RunPeriodic(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		if jsonOut {
			return printJSON(t)
		}
		fmt.Printf("Started task %s\n", t.ID)
		return nil
	},
}

func init() {
	periodicCmd.AddCommand(periodicRunCmd)
}
