package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/auction"
	"github.com/jensholdgaard/techrun/internal/bids"
	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/station"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/team"
	"github.com/jensholdgaard/techrun/internal/telemetry"
	"github.com/jensholdgaard/techrun/internal/tick"
)

// app holds the wired game components.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Provider
	logger     *slog.Logger
	clock      clock.Clock
	repos      *store.Repositories
	dispatcher *notify.Dispatcher
	ledger     *ledger.Manager
	auctions   *auction.Manager
	stations   *station.Manager
	teams      *team.Manager
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config) *telemetry.Provider {
	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		tel = telemetry.NewLocalProvider(cfg.Telemetry, nil)
		tel.Logger.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
	}
	return tel
}

// newApp opens the store and builds the managers. publishers receive every
// notification in addition to the log.
func newApp(ctx context.Context, cfg *config.Config, tel *telemetry.Provider, publishers ...notify.Publisher) (*app, error) {
	logger := tel.Logger
	clk := clock.Real()
	var tp trace.TracerProvider = tel.TracerProvider

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return nil, fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	publishers = append([]notify.Publisher{notify.LogPublisher{Logger: logger}}, publishers...)
	dispatcher := notify.NewDispatcher(repos.Events, logger, tp, clk, cfg.Game.NotifyQueueSize, publishers...)
	go dispatcher.Run(context.WithoutCancel(ctx))

	led := ledger.NewManager(repos.Teams, repos.Ledger, dispatcher, logger, tp)
	bidLedger := bids.NewLedger(repos.Bids, led, logger, tp)
	scheduler := tick.New(logger, tick.WithClock(clk), tick.WithInterval(cfg.Game.TickInterval))
	auctions := auction.NewManager(repos.Auctions, bidLedger, led, dispatcher, scheduler, logger, tp, clk)

	return &app{
		cfg:        cfg,
		tel:        tel,
		logger:     logger,
		clock:      clk,
		repos:      repos,
		dispatcher: dispatcher,
		ledger:     led,
		auctions:   auctions,
		stations:   station.NewManager(repos.Stations, repos.Skips, repos.Teams, led, cfg.Game, logger, tp),
		teams:      team.NewManager(repos.Teams, led, auctions, repos.Events, logger, tp),
	}, nil
}

// close stops the auction engine, flushes notifications and releases the
// store.
func (a *app) close(ctx context.Context) {
	if err := a.auctions.Shutdown(ctx); err != nil {
		a.logger.Error("auction shutdown error", slog.Any("error", err))
	}
	a.dispatcher.Close()
	select {
	case <-a.dispatcher.Done():
	case <-ctx.Done():
		a.logger.Warn("notifications not flushed before shutdown deadline")
	}
	if err := a.repos.Closer.Close(); err != nil {
		a.logger.Error("store close error", slog.Any("error", err))
	}
}
