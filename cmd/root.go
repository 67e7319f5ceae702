package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxhall/relayd/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Multi-tenant LLM chat relay",
	Long:  "Multi-tenant LLM chat relay with per-user billing, bounded context assembly, and rolling-summary memory.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print relayd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("relayd"))
		},
	})
}
