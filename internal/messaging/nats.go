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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerMessageType = "Message-Type"
	headerCustomType  = "Custom-Type"
	headerPublisher   = "Publisher"
	headerTimestamp   = "Timestamp"

	channelStateBucket = "VOXLINK_CHANNELS"
)

var (
	ErrNotLoggedIn = errors.New("nats transport not logged in")
	ErrLockHeld    = errors.New("channel lock held by another session")
)

// NATSConfig configures the NATS-backed transport.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	KVEnabled      bool
	ConnectTimeout time.Duration
	LockTTL        time.Duration
}

// NewNATSDialer returns a Dialer producing NATS transports. Login opens the
// connection; nothing touches the network before that.
func NewNATSDialer(cfg NATSConfig) Dialer {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "voxlink"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = time.Hour
	}
	return func(appID, userID string) (Transport, error) {
		if userID == "" {
			return nil, errors.New("user id is required")
		}
		return &NATSTransport{cfg: cfg, appID: appID, userID: userID}, nil
	}
}

// NATSTransport maps the channel protocol onto NATS subjects:
// <prefix>.channel.<channel>.message and .presence. Member metadata and the
// per-user channel lock live in a JetStream key-value bucket.
type NATSTransport struct {
	cfg    NATSConfig
	appID  string
	userID string

	mu        sync.Mutex
	nc        *nats.Conn
	kv        jetstream.KeyValue
	channel   string
	subs      []*nats.Subscription
	locked    bool
	listeners Listeners
}

func (t *NATSTransport) Login(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(fmt.Sprintf("voxlink:%s:%s", t.appID, t.userID)),
		nats.Token(token),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.mu.Unlock()
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil {
		return ErrNotLoggedIn
	}

	var subs []*nats.Subscription
	rollback := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}

	if opts.WithMessage {
		sub, err := nc.Subscribe(t.subject(channel, "message"), func(m *nats.Msg) {
			t.onMessage(channel, m)
		})
		if err != nil {
			return fmt.Errorf("subscribe message: %w", err)
		}
		subs = append(subs, sub)
	}

	if opts.WithPresence {
		sub, err := nc.Subscribe(t.subject(channel, "presence"), func(m *nats.Msg) {
			t.onPresence(channel, m)
		})
		if err != nil {
			rollback()
			return fmt.Errorf("subscribe presence: %w", err)
		}
		subs = append(subs, sub)
	}

	var kv jetstream.KeyValue
	if t.cfg.KVEnabled && (opts.WithMetadata || opts.WithLock) {
		var err error
		kv, err = t.ensureBucket(ctx, nc)
		if err != nil {
			rollback()
			return err
		}
	}

	locked := false
	if kv != nil && opts.WithLock {
		if _, err := kv.Create(ctx, lockKey(channel, t.userID), []byte(t.appID)); err != nil {
			rollback()
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("%w: user %s in %s", ErrLockHeld, t.userID, channel)
			}
			return fmt.Errorf("acquire channel lock: %w", err)
		}
		locked = true
	}

	if kv != nil && opts.WithMetadata {
		meta, _ := json.Marshal(map[string]any{
			"app_id":    t.appID,
			"user_id":   t.userID,
			"joined_at": time.Now().UTC().Format(time.RFC3339),
		})
		if _, err := kv.Put(ctx, memberKey(channel, t.userID), meta); err != nil {
			slog.Warn("nats: failed to write member metadata", "channel", channel, "error", err)
		}
	}

	if err := nc.FlushWithContext(ctx); err != nil {
		rollback()
		if locked {
			_ = kv.Delete(context.Background(), lockKey(channel, t.userID))
		}
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	t.mu.Lock()
	t.channel = channel
	t.subs = subs
	t.kv = kv
	t.locked = locked
	t.mu.Unlock()

	if opts.WithPresence {
		t.announce(nc, channel, PresenceJoin)
	}
	return nil
}

func (t *NATSTransport) ensureBucket(ctx context.Context, nc *nats.Conn) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Try to bind the existing bucket first.
	kv, err := js.KeyValue(ctx, channelStateBucket)
	if err == nil {
		return kv, nil
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  channelStateBucket,
		TTL:     t.cfg.LockTTL,
		Storage: jetstream.MemoryStorage,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", channelStateBucket, err)
	}
	slog.Info("created key-value bucket", "bucket", channelStateBucket)
	return kv, nil
}

func (t *NATSTransport) Publish(ctx context.Context, channel string, payload []byte, opts PublishOptions) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil {
		return ErrNotLoggedIn
	}

	msg := nats.NewMsg(t.subject(channel, "message"))
	msg.Data = payload
	msg.Header.Set(headerMessageType, string(MessageTypeString))
	msg.Header.Set(headerPublisher, t.userID)
	msg.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixMilli(), 10))
	if opts.CustomType != "" {
		msg.Header.Set(headerCustomType, opts.CustomType)
	}

	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nc.FlushWithContext(ctx)
}

func (t *NATSTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	nc, subs, kv, locked := t.nc, t.subs, t.kv, t.locked
	t.subs = nil
	t.locked = false
	t.mu.Unlock()

	var errs []error
	if nc != nil {
		t.announce(nc, channel, PresenceLeave)
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.Subject, err))
		}
	}
	if kv != nil {
		if err := kv.Delete(ctx, memberKey(channel, t.userID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("delete member metadata: %w", err))
		}
		if locked {
			if err := kv.Delete(ctx, lockKey(channel, t.userID)); err != nil {
				errs = append(errs, fmt.Errorf("release channel lock: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Logout drains the connection; pending deliveries finish first.
func (t *NATSTransport) Logout(_ context.Context) error {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.kv = nil
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func (t *NATSTransport) Listen(l Listeners) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = l
}

func (t *NATSTransport) Unlisten() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = Listeners{}
}

func (t *NATSTransport) onMessage(channel string, m *nats.Msg) {
	t.mu.Lock()
	fn := t.listeners.Message
	t.mu.Unlock()
	if fn == nil {
		return
	}
	fn(messageEventFromNATS(channel, m))
}

func (t *NATSTransport) onPresence(channel string, m *nats.Msg) {
	t.mu.Lock()
	fn := t.listeners.Presence
	t.mu.Unlock()
	if fn == nil {
		return
	}

	var e PresenceEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		slog.Warn("nats: malformed presence event", "channel", channel, "error", err)
		return
	}
	if e.ChannelName == "" {
		e.ChannelName = channel
	}
	fn(e)
}

func (t *NATSTransport) announce(nc *nats.Conn, channel, eventType string) {
	data, _ := json.Marshal(PresenceEvent{
		ChannelName: channel,
		Publisher:   t.userID,
		EventType:   eventType,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err := nc.Publish(t.subject(channel, "presence"), data); err != nil {
		slog.Warn("nats: failed to announce presence", "channel", channel, "event_type", eventType, "error", err)
	}
}

func (t *NATSTransport) subject(channel, kind string) string {
	return fmt.Sprintf("%s.channel.%s.%s", t.cfg.SubjectPrefix, SubjectToken(channel), kind)
}

func messageEventFromNATS(channel string, m *nats.Msg) MessageEvent {
	e := MessageEvent{
		ChannelType: "MESSAGE",
		ChannelName: channel,
		MessageType: MessageTypeString,
		Message:     m.Data,
	}
	if m.Header == nil {
		e.Timestamp = time.Now().UnixMilli()
		return e
	}
	if mt := m.Header.Get(headerMessageType); mt != "" {
		e.MessageType = MessageType(mt)
	}
	e.CustomType = m.Header.Get(headerCustomType)
	e.Publisher = m.Header.Get(headerPublisher)
	if ts, err := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64); err == nil {
		e.Timestamp = ts
	} else {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}

// SubjectToken makes a channel name safe for use as a single NATS subject
// token and as part of a key-value key.
func SubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func lockKey(channel, userID string) string {
	return "lock." + SubjectToken(channel) + "." + SubjectToken(userID)
}

func memberKey(channel, userID string) string {
	return "member." + SubjectToken(channel) + "." + SubjectToken(userID)
}
