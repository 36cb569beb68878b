package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Leogelv/astria-portraits-telegram-bot/bot"
	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/flow"
	"github.com/Leogelv/astria-portraits-telegram-bot/jobs"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
	"github.com/Leogelv/astria-portraits-telegram-bot/session"
	"github.com/Leogelv/astria-portraits-telegram-bot/storage"
	"github.com/Leogelv/astria-portraits-telegram-bot/webhook"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	flag.Parse()

	conf := core.MustLoad(*configPath)
	log := setupLogger(conf.Env)
	log.With(
		slog.String("config", *configPath),
		slog.String("env", conf.Env),
	).Info("starting portraits bot")

	// Initialize storage based on config
	var store storage.Storage
	if conf.Mongo.Enabled {
		mongoURI := fmt.Sprintf("mongodb://%s:%s@%s:%s",
			conf.Mongo.User, conf.Mongo.Password,
			conf.Mongo.Host, conf.Mongo.Port)
		var err error
		store, err = storage.NewMongoStorage(mongoURI, conf.Mongo.Database, log)
		if err != nil {
			log.With(
				slog.String("db", conf.Mongo.Database),
				slog.String("user", conf.Mongo.User),
				slog.String("host", conf.Mongo.Host),
			).Error("falling back to memory", sl.Err(err))
			store = storage.NewMemoryStorage()
		} else {
			log.Info("using MongoDB storage")
		}
	} else {
		store = storage.NewMemoryStorage()
		log.Info("using in-memory storage")
	}

	sessions := session.NewStore()
	registry := jobs.NewRegistry(store, log)
	if err := registry.Rebuild(context.Background()); err != nil {
		log.Error("rebuilding job registry", sl.Err(err))
	}

	client := jobs.NewClient(conf, log)
	submitter := jobs.NewSubmitter(client, registry, conf.Submit.MaxAttempts, conf.SubmitBackoff(), log)
	flowSvc := flow.NewService(conf, sessions, submitter, store, log)

	tgBot, err := bot.NewTgBot(conf, flowSvc, log)
	if err != nil {
		log.Error("creating telegram", sl.Err(err))
		return
	}
	flowSvc.SetDeliverer(tgBot)

	dispatcher := jobs.NewDispatcher(registry, sessions, store, tgBot, log)
	server := webhook.NewServer(conf, dispatcher, log)

	// Periodic cleanup of abandoned media groups and jobs the workflow
	// engine never reported back on.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(conf.Sweep.Schedule, func() {
		flowSvc.Aggregator().Sweep(time.Duration(conf.Sweep.GroupTtlMin) * time.Minute)
		registry.Sweep(time.Duration(conf.Sweep.JobTtlHours) * time.Hour)
	}); err != nil {
		log.Error("scheduling sweep", sl.Err(err))
	} else {
		sweeper.Start()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := tgBot.Start(); err != nil {
			log.Error("bot stopped with error", sl.Err(err))
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			log.Error("webhook server stopped with error", sl.Err(err))
		}
	}()

	log.Info("bot started")

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("received signal, shutting down", slog.String("signal", sig.String()))

	// Graceful shutdown
	sweeper.Stop()
	tgBot.Stop()
	flowSvc.Aggregator().Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutting down webhook server", sl.Err(err))
	}

	if err := store.Close(); err != nil {
		log.Error("closing storage", sl.Err(err))
	}

	log.Info("shutdown complete")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal, envDev:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
