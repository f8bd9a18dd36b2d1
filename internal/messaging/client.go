// Package messaging implements the text channel that carries transcripts and
// typed input alongside the media room.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

var (
	ErrLoginFailed     = errors.New("messaging login failed")
	ErrSubscribeFailed = errors.New("messaging subscribe failed")
	ErrNotJoined       = errors.New("messaging channel not joined")
	ErrInitInProgress  = errors.New("messaging init already in progress")
)

// MessageTopic carries every decoded inbound message plus local echoes of
// SendText.
var MessageTopic = events.NewTopic[events.TransportMessage]("messaging.message")

// PresenceTopic carries presence changes on the joined channel.
var PresenceTopic = events.NewTopic[PresenceEvent]("messaging.presence")

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoggingIn
	PhaseSubscribing
	PhaseJoined
	PhaseDegraded
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoggingIn:
		return "logging_in"
	case PhaseSubscribing:
		return "subscribing"
	case PhaseJoined:
		return "joined"
	case PhaseDegraded:
		return "degraded"
	case PhaseDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// InitParams identifies the channel and credentials for Init.
type InitParams struct {
	Channel string
	UserID  int
	AppID   string
	Token   string
}

type Option func(*Client)

// WithPhaseHook is called after every phase transition, with the client's
// lock held; the hook must not call back into the client.
func WithPhaseHook(fn func(Phase)) Option {
	return func(c *Client) { c.onPhase = fn }
}

// WithDropHook is called whenever an inbound message is discarded.
func WithDropHook(fn func(reason string)) Option {
	return func(c *Client) { c.onDrop = fn }
}

// WithClock overrides the time source used to stamp outbound text.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client owns login, subscription and teardown of one messaging session and
// republishes inbound traffic on the bus. The transport handle is non-nil
// only while the phase is PhaseJoined.
type Client struct {
	dial    Dialer
	bus     *events.Bus
	now     func() time.Time
	onPhase func(Phase)
	onDrop  func(reason string)

	mu        sync.Mutex
	phase     Phase
	transport Transport
	channel   string
	userID    int
}

func NewClient(dial Dialer, bus *events.Bus, opts ...Option) *Client {
	c := &Client{
		dial:  dial,
		bus:   bus,
		now:   time.Now,
		phase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the current phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Init logs in and subscribes to the channel. It returns immediately when the
// channel is already joined. A subscribe failure leaves the client in
// PhaseDegraded; callers treat that as "text unavailable", not as fatal.
func (c *Client) Init(ctx context.Context, p InitParams) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseJoined:
		c.mu.Unlock()
		return nil
	case PhaseLoggingIn, PhaseSubscribing:
		c.mu.Unlock()
		return ErrInitInProgress
	}
	c.channel = p.Channel
	c.userID = p.UserID
	c.setPhaseLocked(PhaseLoggingIn)
	c.mu.Unlock()

	t, err := c.dial(p.AppID, strconv.Itoa(p.UserID))
	if err != nil {
		c.setPhase(PhaseIdle)
		return fmt.Errorf("%w: dial: %w", ErrLoginFailed, err)
	}

	if err := t.Login(ctx, p.Token); err != nil {
		slog.ErrorContext(ctx, "messaging: login failed", "channel", p.Channel, "error", err)
		c.setPhase(PhaseIdle)
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	slog.InfoContext(ctx, "messaging: login successful", "channel", p.Channel, "user_id", p.UserID)

	c.setPhase(PhaseSubscribing)
	err = t.Subscribe(ctx, p.Channel, SubscribeOptions{
		WithMessage:  true,
		WithPresence: true,
		WithMetadata: true,
		WithLock:     true,
	})
	if err != nil {
		slog.ErrorContext(ctx, "messaging: subscribe failed", "channel", p.Channel, "error", err)
		if lerr := t.Logout(ctx); lerr != nil {
			slog.WarnContext(ctx, "messaging: logout after subscribe failure", "error", lerr)
		}
		c.setPhase(PhaseDegraded)
		return fmt.Errorf("%w (channel %s): %w", ErrSubscribeFailed, p.Channel, err)
	}

	c.mu.Lock()
	c.transport = t
	c.setPhaseLocked(PhaseJoined)
	c.mu.Unlock()

	t.Listen(Listeners{
		Message:  c.handleMessage,
		Presence: c.handlePresence,
	})
	slog.InfoContext(ctx, "messaging: channel joined", "channel", p.Channel)
	return nil
}

// SendText publishes typed user input and echoes it on the local feed so the
// sender's transcript updates without waiting for the transport.
func (c *Client) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.phase != PhaseJoined || c.transport == nil {
		phase := c.phase
		c.mu.Unlock()
		slog.WarnContext(ctx, "messaging: send ignored, channel not joined", "phase", phase.String())
		return ErrNotJoined
	}
	t, channel, userID := c.transport, c.channel, c.userID
	c.mu.Unlock()

	msg := events.TransportMessage{
		IsFinal:     true,
		TimestampMs: c.now().UnixMilli(),
		Text:        text,
		Kind:        events.KindInputText,
		StreamID:    strconv.Itoa(userID),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal text: %w", err)
	}

	if err := t.Publish(ctx, channel, payload, PublishOptions{CustomType: CustomTypeText}); err != nil {
		return fmt.Errorf("publish text: %w", err)
	}

	events.Publish(c.bus, MessageTopic, msg)
	return nil
}

// Destroy removes listeners, unsubscribes, logs out and releases the
// transport. Every step runs even when an earlier one fails.
func (c *Client) Destroy(ctx context.Context) {
	c.mu.Lock()
	t, channel := c.transport, c.channel
	c.transport = nil
	c.setPhaseLocked(PhaseDestroyed)
	c.mu.Unlock()

	if t == nil {
		return
	}

	t.Unlisten()
	if err := t.Unsubscribe(ctx, channel); err != nil {
		slog.WarnContext(ctx, "messaging: unsubscribe failed", "channel", channel, "error", err)
	}
	if err := t.Logout(ctx); err != nil {
		slog.WarnContext(ctx, "messaging: logout failed", "channel", channel, "error", err)
	}
	slog.InfoContext(ctx, "messaging: destroyed", "channel", channel)
}

func (c *Client) handleMessage(e MessageEvent) {
	var raw []byte
	switch e.MessageType {
	case MessageTypeString:
		raw = e.Message
	case MessageTypeBinary:
		raw = []byte(strings.ToValidUTF8(string(e.Message), "\uFFFD"))
	default:
		slog.Warn("messaging: unknown message type, dropping",
			"message_type", e.MessageType,
			"publisher", e.Publisher,
		)
		c.drop("unknown_type")
		return
	}

	msg, err := events.DecodeTransportMessage(raw)
	if err != nil {
		slog.Warn("messaging: malformed message, dropping",
			"channel", e.ChannelName,
			"publisher", e.Publisher,
			"error", err,
		)
		c.drop("malformed")
		return
	}

	events.Publish(c.bus, MessageTopic, msg)
}

func (c *Client) handlePresence(e PresenceEvent) {
	slog.Debug("messaging: presence",
		"channel", e.ChannelName,
		"publisher", e.Publisher,
		"event_type", e.EventType,
	)
	events.Publish(c.bus, PresenceTopic, e)
}

func (c *Client) drop(reason string) {
	if c.onDrop != nil {
		c.onDrop(reason)
	}
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPhaseLocked(p)
}

func (c *Client) setPhaseLocked(p Phase) {
	c.phase = p
	if c.onPhase != nil {
		c.onPhase(p)
	}
}
