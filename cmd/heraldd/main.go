// heraldd is the scheduling daemon: it polls for due tasks, runs each one
// through the agent loop, and delivers the output to its destination.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupherald/herald/agent"
	"github.com/groupherald/herald/authz"
	"github.com/groupherald/herald/config"
	"github.com/groupherald/herald/delivery"
	"github.com/groupherald/herald/delivery/telegram"
	"github.com/groupherald/herald/observe"
	"github.com/groupherald/herald/providers/factory"
	"github.com/groupherald/herald/runner"
	"github.com/groupherald/herald/schedule"
	"github.com/groupherald/herald/store/sqlite"
	"github.com/groupherald/herald/tools"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	runOnce := flag.String("run", "", "execute one task by id and exit")
	flag.Parse()

	if err := run(*configPath, *runOnce); err != nil {
		fmt.Fprintf(os.Stderr, "heraldd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, runOnce string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("provider", cfg.Provider).Str("db", cfg.Store.Path).Msg("starting heraldd")

	db, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	provider, err := factory.New(cfg.Provider)
	if err != nil {
		return err
	}

	auth, closeAuth := buildAuthorizer(cfg.Authz, logger)
	defer closeAuth()

	sink, err := buildSink(cfg.Telegram, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewFindGroup(db))
	registry.MustRegister(tools.NewFetchRecentMessages(db, db))
	registry.MustRegister(tools.NewSearchMessages(db, db))
	registry.MustRegister(tools.NewSendMessage(sink, auth))

	observer := observe.NewAsyncSink(observe.NewZerologSink(logger), 256)
	defer observer.Close()

	loop, err := agent.New(provider, registry,
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithMaxRounds(cfg.Agent.MaxRounds),
		agent.WithMaxOutputTokens(cfg.Agent.MaxOutputTokens),
		agent.WithToolTimeout(cfg.Agent.ToolTimeout.Or(30*time.Second)),
		agent.WithParallelToolCalls(cfg.Agent.ParallelTools),
		agent.WithObserver(observer),
	)
	if err != nil {
		return err
	}

	exec, err := runner.New(db, loop, sink,
		runner.WithLogger(logger),
		runner.WithObserver(observer),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(runOnce) != "" {
		result := exec.ExecuteDetailed(ctx, strings.TrimSpace(runOnce))
		if result.Err != nil {
			return result.Err
		}
		logger.Info().Str("session_id", result.SessionID).Bool("delivered", result.Delivered).Msg("manual run completed")
		return nil
	}

	dispatcher, err := schedule.NewDispatcher(db, exec,
		schedule.WithPollInterval(cfg.Schedule.PollInterval.Or(schedule.DefaultPollInterval)),
		schedule.WithInitialDelay(cfg.Schedule.InitialDelay.Or(schedule.DefaultInitialDelay)),
		schedule.WithEvaluator(schedule.NewEvaluator(
			schedule.WithMinInterval(cfg.Schedule.IdempotencyWindow.Or(schedule.DefaultMinInterval)),
		)),
		schedule.WithLocks(schedule.NewLockRegistry(
			schedule.WithLockTTL(cfg.Schedule.LockTTL.Or(schedule.DefaultLockTTL)),
		)),
		schedule.WithLogger(logger),
		schedule.WithDispatchObserver(observer),
	)
	if err != nil {
		return err
	}

	dispatcher.Start(ctx)
	logger.Info().Msg("dispatcher started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	dispatcher.Stop()
	return nil
}

func buildAuthorizer(cfg config.AuthzConfig, logger zerolog.Logger) (authz.Authorizer, func()) {
	static := authz.NewStatic(cfg.ManagementGroups)
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logger.Info().Msg("no redis configured; using static management allow-list")
		return static, func() {}
	}

	opts := []authz.RedisOption{}
	if cfg.RedisKey != "" {
		opts = append(opts, authz.WithKey(cfg.RedisKey))
	}
	source, err := authz.NewRedisSource(cfg.RedisAddr, opts...)
	if err != nil {
		logger.Warn().Err(err).Msg("redis allow-list unavailable; using static management allow-list")
		return static, func() {}
	}
	return authz.NewFallback(source, static), func() { _ = source.Close() }
}

func buildSink(cfg config.TelegramConfig, logger zerolog.Logger) (delivery.Sink, error) {
	token := config.TelegramToken()
	if token == "" || len(cfg.Destinations) == 0 {
		logger.Warn().Msg("telegram not configured; outbound delivery is disabled")
		return delivery.NoopSink{}, nil
	}
	tg, err := telegram.New(token, cfg.Destinations)
	if err != nil {
		return nil, err
	}
	return delivery.NewRateLimited(tg, cfg.SendPerSecond, cfg.SendBurst), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
