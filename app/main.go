package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notifyhub/notifyhub/app/api"
	"github.com/notifyhub/notifyhub/app/cfg"
	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/dispatch"
	"github.com/notifyhub/notifyhub/app/engine"
	"github.com/notifyhub/notifyhub/app/pipeline"
	"github.com/notifyhub/notifyhub/app/registry"
	"github.com/notifyhub/notifyhub/app/seed"
	"github.com/notifyhub/notifyhub/app/source"
	"github.com/notifyhub/notifyhub/app/stream"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown, exit gracefully
		return
	}

	setupLogger(appCfg.Debug)
	slog.Info("Starting NotifyHub", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Database ready", "path", appCfg.DBPath)

	userRepo := database.NewUserRepository(db)
	subscriptionRepo := database.NewSubscriptionRepository(db)
	ruleRepo := database.NewRuleRepository(db)
	eventRepo := database.NewEventRepository(db)
	notificationRepo := database.NewNotificationRepository(db)

	hub := stream.NewHub(appCfg.StreamBuffer)

	var mailer dispatch.Mailer = dispatch.LogMailer{}
	if appCfg.SMTPHost != "" {
		mailer = dispatch.NewSMTPMailer(appCfg.SMTPHost, appCfg.SMTPPort, appCfg.SMTPFrom)
		slog.Info("SMTP delivery enabled", "host", appCfg.SMTPHost, "port", appCfg.SMTPPort)
	}
	var messenger dispatch.Messenger = dispatch.LogMessenger{}
	if appCfg.TelegramToken != "" {
		botMessenger, err := dispatch.NewBotMessenger(appCfg.TelegramToken)
		if err != nil {
			slog.Error("Failed to connect to Telegram", "error", err)
			os.Exit(1)
		}
		messenger = botMessenger
		slog.Info("Telegram delivery enabled")
	}
	dispatcher := dispatch.NewDispatcher(
		notificationRepo,
		func(update dispatch.NotificationUpdate) {
			hub.Publish(stream.ViewOf(update.Notification, update.Event))
		},
		[]dispatch.Provider{
			dispatch.NewLiveProvider(),
			dispatch.NewEmailProvider(mailer),
			dispatch.NewTelegramProvider(messenger),
		},
		appCfg.MaxDeliveryAttempts,
		time.Duration(appCfg.RetryBaseDelay)*time.Second,
	)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	connectors := []source.Connector{
		source.NewGitHubConnector(httpClient, eventRepo, appCfg.UserAgent),
		source.NewRSSConnector(httpClient, eventRepo, appCfg.UserAgent),
		source.NewGeneratorConnector(eventRepo),
	}

	ruleEngine := engine.New(notificationRepo)

	reg := registry.New(subscriptionRepo, ruleRepo, connectors, nil,
		time.Duration(appCfg.PollInterval)*time.Second)
	pipe := pipeline.New(eventRepo, subscriptionRepo, userRepo, reg,
		ruleEngine, dispatcher, appCfg.WorkerCount, appCfg.QueueSize)
	reg.SetSink(pipe)

	rootCtx, stopTasks := context.WithCancel(context.Background())
	defer stopTasks()

	pipe.Start(rootCtx)

	if appCfg.SeedFile != "" {
		if err := seed.Apply(rootCtx, appCfg.SeedFile, userRepo, reg); err != nil {
			slog.Error("Failed to apply seed file", "path", appCfg.SeedFile, "error", err)
			os.Exit(1)
		}
	}

	if err := reg.Start(rootCtx); err != nil {
		slog.Error("Failed to start subscription registry", "error", err)
		os.Exit(1)
	}

	apiHandler := api.NewHandler(reg, userRepo, subscriptionRepo, ruleRepo,
		eventRepo, notificationRepo, hub)
	server := api.NewServer(apiHandler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:        ":" + appCfg.Port,
		Handler:     server,
		ReadTimeout: 30 * time.Second,
		// SSE connections are long-lived; no write timeout
		IdleTimeout: 120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stop producers before consumers: poll tasks, then the pipeline
	// (which waits for in-flight deliveries).
	reg.Stop()
	stopTasks()
	pipe.Stop()

	slog.Info("Shutdown complete")
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
