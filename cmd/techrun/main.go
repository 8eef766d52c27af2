package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/techrun/internal/store/memstore"
	_ "github.com/jensholdgaard/techrun/internal/store/postgres"
	_ "github.com/jensholdgaard/techrun/internal/store/sqlite"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", slog.Any("error", err))
	}

	var configPath string
	root := &cobra.Command{
		Use:          "techrun",
		Short:        "Live team event game server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newSeedCmd(&configPath),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
