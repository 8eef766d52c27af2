package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/jensholdgaard/techrun/internal/api"
	"github.com/jensholdgaard/techrun/internal/bot"
	"github.com/jensholdgaard/techrun/internal/bot/commands"
	"github.com/jensholdgaard/techrun/internal/health"
	"github.com/jensholdgaard/techrun/internal/leader"
	"github.com/jensholdgaard/techrun/internal/notify"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the game server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tel := setupTelemetry(ctx, cfg)
	defer func() {
		if shutdownErr := tel.Shutdown(context.Background()); shutdownErr != nil {
			tel.Logger.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()
	logger := tel.Logger

	var publishers []notify.Publisher

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		if nc, err = notify.ConnectNATS(cfg.NATS, logger); err != nil {
			return err
		}
		defer func() {
			if drainErr := nc.Drain(); drainErr != nil {
				logger.Error("NATS drain error", slog.Any("error", drainErr))
			}
		}()
		publishers = append(publishers, notify.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		logger.InfoContext(ctx, "publishing notifications to NATS", slog.String("prefix", cfg.NATS.SubjectPrefix))
	}

	var discordBot *bot.Bot
	if cfg.Discord.Token != "" {
		if discordBot, err = bot.New(cfg.Discord, logger); err != nil {
			return fmt.Errorf("creating bot: %w", err)
		}
		if p := discordBot.Publisher(); p != nil {
			publishers = append(publishers, p)
		}
	}

	a, err := newApp(ctx, cfg, tel, publishers...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer closeCancel()
		a.close(closeCtx)
	}()

	checkers := []health.Checker{{Name: "database", Check: a.repos.Ping}}
	if nc != nil {
		checkers = append(checkers, health.Checker{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New(nc.Status().String())
				}
				return nil
			},
		})
	}
	healthHandler := health.NewHandler(a.clock, checkers...).WithGameStatus(func() map[string]any {
		s := a.auctions.Snapshot()
		return map[string]any{"phase": s.Phase, "remaining": s.Remaining}
	})

	// Every replica serves HTTP, but each has its own auction engine: game
	// routes answer 503 until runGame holds leadership.
	var leadership leader.State
	srv := api.New(api.Services{
		Auctions:  a.auctions,
		Ledger:    a.ledger,
		Stations:  a.stations,
		Teams:     a.teams,
		Announcer: a.dispatcher,
		Leader:    &leadership,
	}, healthHandler, logger, tel.TracerProvider)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	// runGame is the work only one replica may do: it owns the auction
	// engine and the Discord bot.
	runGame := func(ctx context.Context) {
		if n, abandonErr := a.auctions.AbandonStale(ctx); abandonErr != nil {
			logger.ErrorContext(ctx, "abandoning stale auctions failed", slog.Any("error", abandonErr))
		} else if n > 0 {
			logger.WarnContext(ctx, "abandoned auctions left over from a previous run", slog.Int("count", n))
		}

		if discordBot != nil {
			handlers := commands.NewHandlers(a.auctions, a.teams, a.ledger, a.stations, cfg.Game, logger, tel.TracerProvider)
			if botErr := discordBot.Start(ctx, handlers); botErr != nil {
				logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
			} else {
				defer func() {
					if stopErr := discordBot.Stop(); stopErr != nil {
						logger.Error("bot shutdown error", slog.Any("error", stopErr))
					}
				}()
			}
		}

		leadership.Set(true)
		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "techrun is running", slog.String("version", version))

		<-ctx.Done()
		healthHandler.SetReady(false)
		leadership.Set(false)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runGame, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		runGame(ctx)
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
