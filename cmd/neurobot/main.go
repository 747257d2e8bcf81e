// Package main is the entry point for the neurobot chat bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nova-stream/neurobot/internal/announce"
	"github.com/nova-stream/neurobot/internal/buildinfo"
	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/config"
	"github.com/nova-stream/neurobot/internal/monitor"
	"github.com/nova-stream/neurobot/internal/neural"
	"github.com/nova-stream/neurobot/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(*configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("neurobot - multi-channel Twitch chat bot")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the bot")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(configPath string) {
	bootLogger := config.NewLogger(nil, slog.LevelInfo)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		bootLogger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(nil, level)
	logger.Info("starting neurobot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The bus is the one process-wide object; everything else receives
	// it explicitly.
	b := bus.New(logger)

	// Neural pathway: classifier, three backends, dispatcher.
	classifier := neural.NewClassifier(neural.DefaultClassifierOptions())
	reflex := neural.NewReflexBackend()

	local := neural.NewLocalBackend(neural.LocalBackendConfig{
		Endpoint:       cfg.LLM.ModelEndpoint,
		Model:          cfg.LLM.ModelName,
		Enabled:        cfg.LLM.Provider != "cloud",
		BotName:        cfg.Bot.Name,
		Language:       cfg.LLM.Language,
		DebugStreaming: cfg.LLM.DebugStreaming,
		Inference: neural.InferenceOverrides{
			Ask:     genParams(cfg.LLM.Inference.Ask),
			Mention: genParams(cfg.LLM.Inference.Mention),
			GenLong: genParams(cfg.LLM.Inference.GenLong),
			Joke:    genParams(cfg.LLM.Inference.Joke),
		},
		FailureThreshold: cfg.Neural.LocalFailureThreshold,
		RecoveryTime:     time.Duration(cfg.Neural.LocalRecoveryTime) * time.Second,
		EMAAlpha:         cfg.Neural.EMAAlpha,
	}, logger)

	cloud := neural.NewCloudBackend(neural.CloudBackendConfig{
		APIKey:           cfg.APIs.CloudKey,
		Provider:         neural.Provider(cfg.LLM.Provider),
		BotName:          cfg.Bot.Name,
		FailureThreshold: cfg.Neural.CloudFailureThreshold,
		RecoveryTime:     time.Duration(cfg.Neural.CloudRecoveryTime) * time.Second,
	}, logger)

	dispatcher := neural.NewDispatcher(classifier, reflex, local, cloud, neural.DispatcherOptions{
		ExplorationFactor:   cfg.Neural.UCBExplorationFactor,
		MinTrialsPerBackend: int64(cfg.Neural.MinTrialsPerBackend),
	}, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics := neural.NewMetrics()
		dispatcher.SetMetrics(metrics)
		metricsServer = startMetricsServer(cfg.Metrics, logger)
	}

	// Response cache for the cheap-content path.
	cache := neural.NewResponseCache(
		time.Duration(cfg.Commands.Cache.JokeTTL)*time.Second,
		cfg.Commands.Cache.JokeMaxSize,
	)

	// Command routing. No chat transport or stream-lookup client ships
	// in this module; embedders publish chat.inbound / consume
	// chat.outbound themselves and can rebuild this wiring with their
	// own Lookup and Transport.
	r := router.New(b, dispatcher, router.Options{
		BotName:         cfg.Bot.Name,
		Prefix:          cfg.Commands.Prefix,
		MentionCooldown: time.Duration(cfg.Commands.Cooldowns.Mention) * time.Second,
	}, logger)
	router.RegisterBuiltins(r, router.Deps{
		Brain:        dispatcher,
		Cache:        cache,
		Bus:          b,
		Logger:       logger,
		AskCooldown:  time.Duration(cfg.Commands.Cooldowns.Ask) * time.Second,
		JokeCooldown: time.Duration(cfg.Commands.Cooldowns.Joke) * time.Second,
		Diagnostics: func() string {
			stats := b.Stats()
			total, successful := dispatcher.Stats()
			cs := cache.Stats()
			return fmt.Sprintf("bus %d/%d/%d (topics/subs/in-flight) | dispatch %d/%d ok | cache %.0f%% hit",
				stats.Topics, stats.Subscribers, stats.InFlight, successful, total, cs.HitRate)
		},
	})
	r.Bind()

	// Stream announcements.
	announcer := announce.New(b, announce.Options{
		OnlineEnabled:  cfg.Announcements.StreamOnline.Enabled,
		OnlineMessage:  cfg.Announcements.StreamOnline.Message,
		OfflineEnabled: cfg.Announcements.StreamOffline.Enabled,
		OfflineMessage: cfg.Announcements.StreamOffline.Message,
	}, logger)
	announcer.Bind()

	// Stream-status monitoring: push with poll fallback. The polling
	// monitor needs a StreamLookup collaborator, which embedders supply;
	// standalone the bot runs push-only.
	var supervisor *monitor.Supervisor
	if cfg.Announcements.Monitoring.Enabled {
		channels := make([]monitor.ChannelSpec, 0, len(cfg.Channels))
		for _, ch := range cfg.Channels {
			channels = append(channels, monitor.ChannelSpec{Channel: ch.Name, ChannelID: ch.ID})
		}

		provider := monitor.NewWSSubscriptionProvider(cfg.Announcements.Monitoring.EventSubURL, 0, logger)
		push := monitor.NewEventSubClient(provider, b, channels, monitor.EventSubClientOptions{}, logger)

		supervisor = monitor.NewSupervisor(cfg.Announcements.Monitoring.Method, push, nil, logger)
		if err := supervisor.Start(ctx); err != nil {
			logger.Warn("stream monitoring unavailable", "error", err)
			supervisor = nil
		}
	}

	logger.Info("neurobot ready",
		"channels", len(cfg.Channels),
		"provider", cfg.LLM.Provider,
		"monitoring", cfg.Announcements.Monitoring.Method,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if supervisor != nil {
		supervisor.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		cancel()
	}

	// Drain in-flight bus deliveries with a bounded grace period.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.WaitAll(drainCtx); err != nil {
		logger.Warn("bus drain incomplete", "error", err)
	}
	logger.Info("stopped")
}

// genParams maps one llm.inference.* config bucket onto the backend's
// override shape.
func genParams(p config.InferenceParams) neural.GenParams {
	return neural.GenParams{
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		RepeatPenalty: p.RepeatPenalty,
		Stop:          p.StopTokens,
	}
}

func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics exporter listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics exporter failed", "error", err)
		}
	}()
	return srv
}
