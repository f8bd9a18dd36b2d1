package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/voxlink/internal/agentctl"
	"github.com/MikeSquared-Agency/voxlink/internal/api"
	"github.com/MikeSquared-Agency/voxlink/internal/config"
	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/metrics"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
	"github.com/MikeSquared-Agency/voxlink/internal/session"
	slackalert "github.com/MikeSquared-Agency/voxlink/internal/slack"
	"github.com/MikeSquared-Agency/voxlink/internal/telemetry"
	"github.com/MikeSquared-Agency/voxlink/internal/transcript"
)

var version = "dev"

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telCfg := telemetry.Config{
		Endpoint:       cfg.OTelEndpoint,
		Headers:        cfg.OTelHeaders,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
	}
	tel, telErr := telemetry.Setup(ctx, telCfg)
	if telErr != nil {
		telCfg.Endpoint = ""
	}
	setupLogging(cfg.LogLevel, telCfg)
	if telErr != nil {
		slog.Warn("telemetry disabled", "error", telErr)
	}

	if cfg.UserID == 0 {
		cfg.UserID = 100000 + rand.IntN(900000)
	}

	slog.Info("voxlink starting",
		"port", cfg.Port,
		"agent_server", cfg.AgentServerURL,
		"room_url", cfg.RoomURL,
		"nats_url", cfg.NatsURL,
		"user_id", cfg.UserID,
	)

	bus := events.NewBus()
	reg := metrics.NewRegistry()
	listener := metrics.Attach(bus)

	// Step 1: Clients for the three transports.
	agent := agentctl.NewClient(cfg.AgentServerURL, cfg.AgentAPIToken)
	rm := room.NewWSRoom(room.Config{URL: cfg.RoomURL, AuthToken: cfg.RoomAuthToken}, bus)
	msg := messaging.NewClient(
		messaging.NewNATSDialer(messaging.NATSConfig{
			URL:           cfg.NatsURL,
			SubjectPrefix: cfg.SubjectPrefix,
			KVEnabled:     cfg.MessagingKV,
		}),
		bus,
		messaging.WithPhaseHook(func(p messaging.Phase) { metrics.SetMessagingPhase(p.String()) }),
		messaging.WithDropHook(metrics.RecordDropped),
	)

	// Step 2: Transcript fusion.
	var fusionOpts []transcript.Option
	if cfg.MergeInterim {
		fusionOpts = append(fusionOpts, transcript.WithInterimMerge())
	}
	fusion := transcript.New(bus, fusionOpts...)
	fusion.Start()

	// Closed transcripts are announced on NATS when it is reachable.
	var publisher *transcript.Publisher
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("voxlink-events"), nats.Timeout(5*time.Second))
	if err != nil {
		slog.Warn("NATS unavailable, closed transcripts will not be published", "error", err)
	} else {
		defer nc.Drain()
		publisher = transcript.NewPublisher(nc.Publish, cfg.SubjectPrefix)
	}

	// Step 3: Session orchestrator.
	opts := []session.Option{
		session.WithTeardownHook(func(prev session.State) {
			if publisher != nil && prev.ChannelID != "" {
				info := transcript.SessionInfo{
					Channel:   prev.ChannelID,
					UserID:    prev.UserID,
					GraphName: prev.GraphName,
					StartedAt: prev.ConnectedAt,
				}
				if err := publisher.PublishClosed(info, fusion.Snapshot()); err != nil {
					slog.Warn("failed to publish closed transcript", "error", err)
				}
			}
			fusion.Reset()
		}),
	}
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		opts = append(opts, session.WithAlerter(slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)))
		slog.Info("Slack session alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	orch := session.New(agent, rm, msg, bus, session.Config{
		DefaultGraphName:       cfg.DefaultGraphName,
		Language:               cfg.Language,
		VoiceType:              cfg.VoiceType,
		StopAgentOnRoomFailure: cfg.StopAgentOnRoomFailure,
		HealthCheckDelay:       cfg.HealthCheckDelay,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		AudioCheckInterval:     cfg.AudioCheckInterval,
	}, opts...)

	defaults := session.ConnectRequest{Channel: cfg.Channel, UserID: cfg.UserID, GraphID: cfg.GraphID}

	// Step 4: Control surface.
	srv := api.NewServer(orch, fusion, bus, cfg.Port, metrics.Handler(reg))
	srv.SetDefaults(defaults)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if cfg.AutoConnect && cfg.Channel != "" {
		go func() {
			res, err := orch.Connect(ctx, defaults)
			if err != nil {
				slog.Error("auto-connect failed", "channel", cfg.Channel, "error", err)
				return
			}
			slog.Info("auto-connect finished", "channel", cfg.Channel, "outcome", res.Outcome.String())
		}()
	}

	slog.Info("voxlink ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := orch.Disconnect(shutdownCtx); err != nil {
		slog.Warn("session teardown finished with errors", "error", err)
	}
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	fusion.Stop()
	listener.Detach()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
	slog.Info("voxlink stopped")
}

func setupLogging(level string, tel telemetry.Config) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(telemetry.NewLogHandler(os.Stdout, lvl, tel)))
}
