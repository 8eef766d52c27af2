package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/store"
)

func newSeedCmd(configPath *string) *cobra.Command {
	var adminUsername string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the station catalogue and a game master account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tel := setupTelemetry(ctx, cfg)
			defer func() { _ = tel.Shutdown(context.Background()) }()

			a, err := newApp(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			stations, err := a.stations.Seed(ctx)
			if err != nil {
				return fmt.Errorf("seeding stations: %w", err)
			}
			if len(stations) > 0 {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CODENAME\tDIFFICULTY\tPIN")
				for _, st := range stations {
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Codename, st.Difficulty, st.Pin)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if adminUsername == "" {
				return nil
			}
			t, err := a.teams.Provision(ctx, adminUsername, "Game Master", store.RoleAdmin, 0)
			if errors.Is(err, apperr.ErrConflict) {
				a.logger.InfoContext(ctx, "admin team already exists", slog.String("username", adminUsername))
				return nil
			}
			if err != nil {
				return fmt.Errorf("creating admin team: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin team %s created (id %s)\n", t.Username, t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminUsername, "admin", "admin", "username of the game master team, empty to skip")
	return cmd
}
