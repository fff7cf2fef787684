package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	userID     string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "compound",
	Short: "Compounding memory engine",
	Long:  "Compound ingests a user's content, indexes it for semantic retrieval and assembles budgeted context that gets better the more it is used.",

	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $COMPOUND_CONFIG or ~/.compound/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", envOr("COMPOUND_USER", "default"), "user whose memory to operate on")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("COMPOUND_URL"), "use a running server instead of the local database")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(compactCmd)
}
