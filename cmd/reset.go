package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/andresmejia3/facegate/internal/audit"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	resetYes    bool
	resetDB     bool
	resetDenied bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every enrolled user and the encryption key",
	Long: `Removes the storage root, the user index and the key material, returning the
store to its state before first use. --denied also clears denial snapshots and
--drop-log drops the access log table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		if !resetYes && !interactive {
			return errors.New("refusing to reset without a terminal; pass --yes to confirm")
		}
		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, os.Stdout, prompt)
		}

		if ask("⚠️  Are you sure you want to delete ALL enrolled users and the encryption key?") {
			fmt.Println("🗑️  Clearing credential store...")
			if err := openStore(cfg, nil).Reset(); err != nil {
				return utils.ShowError("Failed to reset credential store", err, nil)
			}
		}

		if resetDenied && ask("⚠️  Are you sure you want to delete all denial snapshots?") {
			fmt.Println("🗑️  Clearing denial snapshots...")
			removeDir(cfg.Artifacts.DeniedDir)
		}

		if resetDB {
			if cfg.Audit.DatabaseURL == "" {
				return errors.New("--drop-log needs a database URL (--db or FACEGATE_DATABASE_URL)")
			}
			if ask("⚠️  Are you sure you want to DROP the access log table?") {
				fmt.Println("🗑️  Clearing access log...")
				sink, err := audit.NewPostgresSink(cmd.Context(), cfg.Audit.DatabaseURL)
				if err != nil {
					return utils.ShowError("Failed to connect to database", err, nil)
				}
				defer sink.Close(cmd.Context())
				if err := sink.Reset(cmd.Context()); err != nil {
					return utils.ShowError("Failed to reset database", err, nil)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().BoolVar(&resetDenied, "denied", false, "Also delete denial snapshots")
	resetCmd.Flags().BoolVar(&resetDB, "drop-log", false, "Also drop the access log table")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
