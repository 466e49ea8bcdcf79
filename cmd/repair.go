package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rewrite stored paths to the current storage root and drop broken records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		report, err := openStore(cfg, nil).Repair(cmd.Context())
		if err != nil {
			return utils.ShowError("Repair failed", err, nil)
		}
		if !report.Changed() {
			fmt.Println("✨ Store is consistent, nothing to repair.")
			return nil
		}
		printList("🔧 Relocated", report.Moved)
		printList("⚠️  Lost face vector", report.Downgraded)
		printList("🗑️  Dropped (image missing)", report.Dropped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func printList(title string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Printf("%s (%d): %s\n", title, len(names), strings.Join(names, ", "))
}
