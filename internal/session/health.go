package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

const (
	defaultHealthDelay    = 5 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultAudioInterval  = 5 * time.Second
	pingTimeout           = 10 * time.Second
)

type monitorConfig struct {
	Delay         time.Duration
	Interval      time.Duration
	AudioInterval time.Duration
	Tracer        trace.Tracer
}

// healthMonitor pings the agent while the session is connected and watches
// the local audio track. Failures are logged, never acted on.
type healthMonitor struct {
	agent   Agent
	room    Room
	bus     *events.Bus
	channel string
	ready   func() bool
	cfg     monitorConfig

	cancel context.CancelFunc
	done   chan struct{}
}

func newHealthMonitor(agent Agent, rm Room, bus *events.Bus, channel string, ready func() bool, cfg monitorConfig) *healthMonitor {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultHealthDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = defaultAudioInterval
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("voxlink/session")
	}
	return &healthMonitor{
		agent:   agent,
		room:    rm,
		bus:     bus,
		channel: channel,
		ready:   ready,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Start begins the ping and audio check loop.
func (h *healthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	ping := time.NewTimer(h.cfg.Delay)
	audio := time.NewTicker(h.cfg.AudioInterval)
	go func() {
		defer close(h.done)
		defer ping.Stop()
		defer audio.Stop()
		for {
			select {
			case <-ping.C:
				h.ping(ctx)
				ping.Reset(h.cfg.Interval)
			case <-audio.C:
				h.checkAudio()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (h *healthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *healthMonitor) ping(ctx context.Context) {
	if !h.ready() {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	pingCtx, span := h.cfg.Tracer.Start(pingCtx, "agent.ping", trace.WithAttributes(attribute.String("channel", h.channel)))
	defer span.End()

	check := HealthCheck{Channel: h.channel, OK: true}
	resp, err := h.agent.Ping(pingCtx, h.channel)
	switch {
	case ctx.Err() != nil && err != nil:
		// Stopped mid-ping.
		return
	case err != nil:
		check.OK, check.Err = false, err.Error()
		span.RecordError(err)
		slog.WarnContext(pingCtx, "session: agent ping failed", "channel", h.channel, "error", err)
	case !resp.OK():
		check.OK, check.Err = false, resp.Msg
		slog.WarnContext(pingCtx, "session: agent ping rejected", "channel", h.channel, "code", int(resp.Code), "msg", resp.Msg)
	default:
		slog.DebugContext(pingCtx, "session: agent ping ok", "channel", h.channel)
	}
	events.Publish(h.bus, HealthChecked, check)
}

func (h *healthMonitor) checkAudio() {
	audio := h.room.LocalTracks().Audio
	switch {
	case audio == nil:
		slog.Debug("session: no local audio track", "channel", h.channel)
	case audio.Ended:
		slog.Warn("session: local audio track ended", "channel", h.channel, "track_id", audio.ID)
	case audio.Muted:
		slog.Info("session: local audio track muted", "channel", h.channel, "track_id", audio.ID)
	}
}
