package cmd

import (
	"errors"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/audit"
	"github.com/andresmejia3/facegate/internal/utils"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent access decisions from the access log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cfg.Audit.DatabaseURL == "" {
			return errors.New("no access log configured; pass --db or set FACEGATE_DATABASE_URL")
		}
		ctx := cmd.Context()
		sink, err := audit.NewPostgresSink(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return utils.ShowError("Failed to connect to database", err, nil)
		}
		defer sink.Close(ctx)

		events, err := sink.Recent(ctx, eventsLimit)
		if err != nil {
			return utils.ShowError("Failed to read access log", err, nil)
		}
		if len(events) == 0 {
			fmt.Println("No access events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tRESULT\tNAME\tDISTANCE\tSNAPSHOT")
		fmt.Fprintln(w, "----\t------\t----\t--------\t--------")
		for _, e := range events {
			result, name, dist := "denied", e.Name, "n/a"
			if e.Granted {
				result = "granted"
			}
			if name == "" {
				name = "Unknown"
			}
			if !math.IsInf(e.Distance, 0) {
				dist = fmt.Sprintf("%.3f", e.Distance)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.DecidedAt.Local().Format("2006-01-02 15:04:05"), result, name, dist, e.ArtifactPath)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "l", 20, "Number of events to show")
	rootCmd.AddCommand(eventsCmd)
}
