package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/voxlink/internal/agentctl"
	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
	"github.com/MikeSquared-Agency/voxlink/internal/slack"
)

const (
	defaultGraphName   = "voice_assistant"
	reasonMissingCreds = "missing credentials"
)

// Alerter posts operator alerts for failed or degraded sessions.
type Alerter interface {
	PostSessionAlert(ctx context.Context, a slack.SessionAlert) error
}

type Config struct {
	DefaultGraphName       string
	Language               string
	VoiceType              string
	StopAgentOnRoomFailure bool
	HealthCheckDelay       time.Duration
	HealthCheckInterval    time.Duration
	AudioCheckInterval     time.Duration
}

type Option func(*Orchestrator)

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

// WithTeardownHook registers fn to run at the end of Disconnect with the
// state the session had before it was reset.
func WithTeardownHook(fn func(State)) Option {
	return func(o *Orchestrator) { o.onTeardown = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns one session. It never holds its mutex across a call into
// the agent, the room or the messaging client.
type Orchestrator struct {
	agent Agent
	room  Room
	msg   Messaging
	bus   *events.Bus
	cfg   Config

	tracer     trace.Tracer
	alerter    Alerter
	onTeardown func(State)
	now        func() time.Time

	mu            sync.Mutex
	state         State
	connecting    bool
	connectCancel context.CancelFunc
	connectDone   chan struct{}
	monitor       *healthMonitor
}

func New(agent Agent, rm Room, msg Messaging, bus *events.Bus, cfg Config, opts ...Option) *Orchestrator {
	if cfg.DefaultGraphName == "" {
		cfg.DefaultGraphName = defaultGraphName
	}
	o := &Orchestrator{
		agent:  agent,
		room:   rm,
		msg:    msg,
		bus:    bus,
		cfg:    cfg,
		tracer: otel.Tracer("voxlink/session"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Connected() bool {
	return o.Snapshot().Connected()
}

// Connecting reports whether a Connect is in flight.
func (o *Orchestrator) Connecting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connecting
}

// Graphs lists the graphs the agent server offers.
func (o *Orchestrator) Graphs(ctx context.Context) ([]agentctl.Graph, error) {
	return o.agent.Graphs(ctx)
}

// SendText publishes text on the messaging channel.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	return o.msg.SendText(ctx, text)
}

// ResolveGraph picks the graph for id: an exact id match first, then the
// configured default graph name.
func ResolveGraph(graphs []agentctl.Graph, id, defaultName string) (agentctl.Graph, error) {
	if id != "" {
		for _, g := range graphs {
			if g.ID() == id {
				return g, nil
			}
		}
	}
	for _, g := range graphs {
		if g.Name == defaultName {
			return g, nil
		}
	}
	return agentctl.Graph{}, ErrNoGraphSelected
}

// Connect starts the agent, joins the room and initialises messaging, in that
// order. Messaging failures degrade the session instead of failing it.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) (Result, error) {
	o.mu.Lock()
	if o.connecting {
		o.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Reason: ErrConnectInProgress.Error()}, ErrConnectInProgress
	}
	if o.state.Connected() {
		o.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Reason: ErrAlreadyConnected.Error()}, ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.connecting = true
	o.connectCancel = cancel
	o.connectDone = done
	o.mu.Unlock()

	started := o.now()
	defer func() {
		cancel()
		o.mu.Lock()
		o.connecting = false
		o.connectCancel = nil
		o.connectDone = nil
		o.mu.Unlock()
		close(done)
	}()

	ctx, span := o.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.Int("user_id", req.UserID),
	))
	defer span.End()

	res, step, err := o.connect(ctx, req)

	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		slog.ErrorContext(ctx, "session: connect failed", "channel", req.Channel, "step", step, "error", err)
		o.alert(ctx, req, res, step)
	} else if res.Outcome == OutcomeConnectedDegraded {
		slog.WarnContext(ctx, "session: connected without messaging", "channel", req.Channel, "reason", res.Reason)
		o.alert(ctx, req, res, "messaging")
	} else {
		slog.InfoContext(ctx, "session: connected", "channel", req.Channel, "user_id", req.UserID)
	}

	events.Publish(o.bus, ConnectFinished, ConnectEvent{Channel: req.Channel, Result: res, Duration: o.now().Sub(started)})
	return res, err
}

func (o *Orchestrator) connect(ctx context.Context, req ConnectRequest) (Result, string, error) {
	fail := func(step string, err error) (Result, string, error) {
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}, step, err
	}

	if req.Channel == "" {
		return fail("request", ErrNoChannel)
	}

	graphs, err := o.agent.Graphs(ctx)
	if err != nil {
		return fail("graph", fmt.Errorf("list graphs: %w", err))
	}
	graph, err := ResolveGraph(graphs, req.GraphID, o.cfg.DefaultGraphName)
	if err != nil {
		return fail("graph", err)
	}

	if err := o.startAgent(ctx, req, graph.Name); err != nil {
		return fail("agent", err)
	}
	if !o.update(ctx, func(s *State) {
		s.AgentReady = true
		s.ChannelID = req.Channel
		s.UserID = req.UserID
		s.GraphName = graph.Name
	}) {
		return fail("agent", ErrConnectCancelled)
	}

	if err := o.joinRoom(ctx, req); err != nil {
		if lerr := o.room.Leave(context.WithoutCancel(ctx)); lerr != nil {
			slog.WarnContext(ctx, "session: room cleanup after failed join", "channel", req.Channel, "error", lerr)
		}
		if o.cfg.StopAgentOnRoomFailure {
			o.stopAgent(context.WithoutCancel(ctx), req.Channel)
		}
		return fail("room", fmt.Errorf("%w: %w", ErrRoomJoinFailed, err))
	}
	appID, token := o.room.AppID(), o.room.Token()
	if !o.update(ctx, func(s *State) {
		s.RoomReady = true
		s.AppID = appID
		s.RoomToken = token
	}) {
		return fail("room", ErrConnectCancelled)
	}

	reason := o.initMessaging(ctx, req, appID, token)
	if !o.update(ctx, func(s *State) {
		s.MessagingReady = true
		s.MessagingDegraded = reason != ""
		s.DegradedReason = reason
		s.ConnectedAt = o.now()
	}) {
		return fail("messaging", ErrConnectCancelled)
	}

	o.startMonitor(req.Channel)

	if reason != "" {
		return Result{Outcome: OutcomeConnectedDegraded, Reason: reason}, "", nil
	}
	return Result{Outcome: OutcomeConnected}, "", nil
}

func (o *Orchestrator) startAgent(ctx context.Context, req ConnectRequest, graphName string) error {
	ctx, span := o.tracer.Start(ctx, "agent.start", trace.WithAttributes(attribute.String("graph", graphName)))
	defer span.End()

	resp, err := o.agent.Start(ctx, agentctl.StartParams{
		Channel:   req.Channel,
		UserID:    req.UserID,
		GraphName: graphName,
		Language:  o.cfg.Language,
		VoiceType: o.cfg.VoiceType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrAgentStartFailed, err)
	}
	if !resp.OK() {
		err := &AgentStartError{Code: int(resp.Code), Msg: resp.Msg}
		span.RecordError(err)
		return err
	}
	return nil
}

func (o *Orchestrator) joinRoom(ctx context.Context, req ConnectRequest) error {
	ctx, span := o.tracer.Start(ctx, "room.join")
	defer span.End()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"create camera tracks", o.room.CreateCameraTracks},
		{"create microphone track", o.room.CreateMicrophoneAudioTrack},
		{"join", func(ctx context.Context) error {
			return o.room.Join(ctx, room.JoinOptions{Channel: req.Channel, UserID: req.UserID})
		}},
		{"publish", o.room.Publish},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			span.RecordError(err)
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// initMessaging returns the degraded reason, or "" when messaging joined.
func (o *Orchestrator) initMessaging(ctx context.Context, req ConnectRequest, appID, token string) string {
	if appID == "" || token == "" {
		slog.WarnContext(ctx, "session: room returned no messaging credentials, skipping messaging", "channel", req.Channel)
		return reasonMissingCreds
	}

	ctx, span := o.tracer.Start(ctx, "messaging.init")
	defer span.End()

	err := o.msg.Init(ctx, messaging.InitParams{
		Channel: req.Channel,
		UserID:  req.UserID,
		AppID:   appID,
		Token:   token,
	})
	if err != nil {
		span.RecordError(err)
		slog.WarnContext(ctx, "session: messaging init failed, continuing without text chat", "channel", req.Channel, "error", err)
		return err.Error()
	}
	return ""
}

// update applies fn to the state unless ctx has been cancelled, and publishes
// the new state.
func (o *Orchestrator) update(ctx context.Context, fn func(*State)) bool {
	o.mu.Lock()
	if ctx.Err() != nil {
		o.mu.Unlock()
		return false
	}
	fn(&o.state)
	s := o.state
	o.mu.Unlock()

	events.Publish(o.bus, StateChanged, s)
	return true
}

func (o *Orchestrator) startMonitor(channel string) {
	m := newHealthMonitor(o.agent, o.room, o.bus, channel, o.Connected, monitorConfig{
		Delay:         o.cfg.HealthCheckDelay,
		Interval:      o.cfg.HealthCheckInterval,
		AudioInterval: o.cfg.AudioCheckInterval,
		Tracer:        o.tracer,
	})

	o.mu.Lock()
	prev := o.monitor
	o.monitor = m
	o.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	m.Start(context.Background())
}

func (o *Orchestrator) stopAgent(ctx context.Context, channel string) error {
	resp, err := o.agent.Stop(ctx, channel)
	if err != nil {
		slog.WarnContext(ctx, "session: agent stop failed", "channel", channel, "error", err)
		return err
	}
	if !resp.OK() {
		err := fmt.Errorf("agent stop: code %d: %s", resp.Code, resp.Msg)
		slog.WarnContext(ctx, "session: agent stop rejected", "channel", channel, "code", int(resp.Code), "msg", resp.Msg)
		return err
	}
	return nil
}

// Disconnect cancels an in-flight Connect and tears the session down: health
// monitor, messaging, room, agent. Every step runs even if an earlier one
// fails; all flags and credentials are cleared at the end.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.connectCancel, o.connectDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for connect to abort: %w", ctx.Err())
		}
	}

	o.mu.Lock()
	m := o.monitor
	o.monitor = nil
	prev := o.state
	o.mu.Unlock()

	if m != nil {
		m.Stop()
	}

	var errs []error
	o.msg.Destroy(ctx)
	if err := o.room.Leave(ctx); err != nil {
		slog.WarnContext(ctx, "session: room leave failed", "channel", prev.ChannelID, "error", err)
		errs = append(errs, fmt.Errorf("leave room: %w", err))
	}
	if prev.AgentReady {
		if err := o.stopAgent(ctx, prev.ChannelID); err != nil {
			errs = append(errs, err)
		}
	}

	o.mu.Lock()
	o.state = State{}
	o.mu.Unlock()
	events.Publish(o.bus, StateChanged, State{})

	if o.onTeardown != nil {
		o.onTeardown(prev)
	}

	slog.InfoContext(ctx, "session: disconnected", "channel", prev.ChannelID)
	return errors.Join(errs...)
}

func (o *Orchestrator) alert(ctx context.Context, req ConnectRequest, res Result, step string) {
	if o.alerter == nil {
		return
	}
	err := o.alerter.PostSessionAlert(context.WithoutCancel(ctx), slack.SessionAlert{
		Channel: req.Channel,
		UserID:  req.UserID,
		Outcome: res.Outcome.String(),
		Step:    step,
		Reason:  res.Reason,
	})
	if err != nil {
		slog.WarnContext(ctx, "session: alert failed", "error", err)
	}
}
