package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	users, err := openStore(cfg, nil).List()
	if err != nil {
		return utils.ShowError("Failed to list users", err, nil)
	}

	if len(users) == 0 {
		fmt.Println("No users enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tFACE VECTOR\tIMAGE")
	fmt.Fprintln(w, "--------\t-----------\t-----")

	for _, u := range users {
		vector := "yes"
		if u.Encoding == "" {
			vector = "no face"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, vector, u.Image)
	}
	return w.Flush()
}
