package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/susu3304/sessionbot/internal/api"
	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/bot"
	"github.com/susu3304/sessionbot/internal/commands"
	"github.com/susu3304/sessionbot/internal/config"
	"github.com/susu3304/sessionbot/internal/db"
	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/logging"
	"github.com/susu3304/sessionbot/internal/notify"
	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/recurrence"
	"github.com/susu3304/sessionbot/internal/scheduler"
	"github.com/susu3304/sessionbot/internal/series"
	"github.com/susu3304/sessionbot/internal/store"
	"github.com/susu3304/sessionbot/internal/store/memstore"
	"github.com/susu3304/sessionbot/internal/tasks"
	"github.com/susu3304/sessionbot/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sessionbot stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, func(), error) {
	if cfg.MemoryStore {
		logger.Warn("using in-memory store; state is lost on exit")
		return memstore.New(), nil, func() {}, nil
	}
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(ctx); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, database.Ping, database.Close, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ob := outbox.New(st, cfg.Outbox.Config(), outbox.WithLogger(logger))
	agg := attendance.New(st, ob, attendance.WithLogger(logger))
	life := lifecycle.New(st, agg, ob, lifecycle.WithLogger(logger))
	ser := series.New(st, life, recurrence.NewGenerator(cfg.Location()), series.WithLogger(logger))
	taskGen := tasks.New(st, ob, tasks.WithLogger(logger))

	handler := commands.NewHandler(life, agg, logger)
	discordBot, err := bot.New(cfg.DiscordToken, handler, logger)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.DiscordRateLimit), cfg.DiscordRateBurst)
	client := notify.RateLimited(bot.NewChannel(discordBot.Session()), limiter)
	notify.NewHandlers(st, client, cfg.DiscordChannelID, notify.WithLogger(logger)).Register(ob)

	sweeps := scheduler.NewSweeps(st, life, ob, taskGen, ser)
	sched := scheduler.New(sweeps.All(cfg.Sweeps), scheduler.WithLogger(logger))

	apiServer := api.New(cfg.WebBind, cfg.CORSOrigins, api.Deps{
		Sessions:   life,
		Series:     ser,
		Attendance: agg,
		Outbox:     ob,
		Sweeps:     sched,
		Health:     health,
	}, logger)

	if err := discordBot.Start(ctx); err != nil {
		return err
	}
	defer discordBot.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return apiServer.Serve(gctx)
	})

	logger.Info("sessionbot running", "sweeps", sched.Names(), "store_memory", cfg.MemoryStore)
	return g.Wait()
}
