package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

// fakeTransport is an in-memory Transport that records every call.
type fakeTransport struct {
	mu sync.Mutex

	LoginErr       error
	SubscribeErr   error
	PublishErr     error
	UnsubscribeErr error
	LogoutErr      error

	calls     []string
	published []publishedMsg
	subOpts   SubscribeOptions
	listeners Listeners
}

type publishedMsg struct {
	Channel string
	Payload []byte
	Opts    PublishOptions
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Login(_ context.Context, _ string) error {
	f.record("login")
	return f.LoginErr
}

func (f *fakeTransport) Subscribe(_ context.Context, _ string, opts SubscribeOptions) error {
	f.record("subscribe")
	f.mu.Lock()
	f.subOpts = opts
	f.mu.Unlock()
	return f.SubscribeErr
}

func (f *fakeTransport) Publish(_ context.Context, channel string, payload []byte, opts PublishOptions) error {
	f.record("publish")
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.mu.Lock()
	f.published = append(f.published, publishedMsg{Channel: channel, Payload: payload, Opts: opts})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, _ string) error {
	f.record("unsubscribe")
	return f.UnsubscribeErr
}

func (f *fakeTransport) Logout(_ context.Context) error {
	f.record("logout")
	return f.LogoutErr
}

func (f *fakeTransport) Listen(l Listeners) {
	f.record("listen")
	f.mu.Lock()
	f.listeners = l
	f.mu.Unlock()
}

func (f *fakeTransport) Unlisten() {
	f.record("unlisten")
	f.mu.Lock()
	f.listeners = Listeners{}
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(e MessageEvent) {
	f.mu.Lock()
	fn := f.listeners.Message
	f.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type testEnv struct {
	transport *fakeTransport
	bus       *events.Bus
	client    *Client
	dials     int
	feed      []events.TransportMessage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{transport: &fakeTransport{}, bus: events.NewBus()}
	dial := func(appID, userID string) (Transport, error) {
		env.dials++
		if appID != "A1" {
			t.Errorf("expected app id A1, got %s", appID)
		}
		if userID != "1234" {
			t.Errorf("expected stringified user id 1234, got %s", userID)
		}
		return env.transport, nil
	}
	env.client = NewClient(dial, env.bus, WithClock(func() time.Time {
		return time.UnixMilli(5000)
	}))
	events.Subscribe(env.bus, MessageTopic, func(m events.TransportMessage) {
		env.feed = append(env.feed, m)
	})
	return env
}

var testParams = InitParams{Channel: "room-1", UserID: 1234, AppID: "A1", Token: "T1"}

func TestInit_JoinsChannel(t *testing.T) {
	env := newTestEnv(t)

	if err := env.client.Init(context.Background(), testParams); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.client.Phase() != PhaseJoined {
		t.Errorf("expected phase joined, got %s", env.client.Phase())
	}
	want := []string{"login", "subscribe", "listen"}
	got := env.transport.Calls()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	opts := env.transport.subOpts
	if !opts.WithMessage || !opts.WithPresence || !opts.WithMetadata || !opts.WithLock {
		t.Errorf("expected all subscribe capabilities requested, got %+v", opts)
	}
}

func TestInit_IdempotentWhenJoined(t *testing.T) {
	env := newTestEnv(t)

	if err := env.client.Init(context.Background(), testParams); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := env.client.Init(context.Background(), testParams); err != nil {
		t.Fatalf("second init: %v", err)
	}

	if env.dials != 1 {
		t.Errorf("expected 1 dial, got %d", env.dials)
	}
	if n := env.transport.count("login"); n != 1 {
		t.Errorf("expected 1 login, got %d", n)
	}
	if n := env.transport.count("subscribe"); n != 1 {
		t.Errorf("expected 1 subscribe, got %d", n)
	}
}

func TestInit_LoginFailure(t *testing.T) {
	env := newTestEnv(t)
	env.transport.LoginErr = errors.New("bad token")

	err := env.client.Init(context.Background(), testParams)
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if env.client.Phase() != PhaseIdle {
		t.Errorf("expected phase idle after login failure, got %s", env.client.Phase())
	}
	if n := env.transport.count("subscribe"); n != 0 {
		t.Errorf("expected no subscribe after login failure, got %d", n)
	}
}

func TestInit_DialFailure(t *testing.T) {
	bus := events.NewBus()
	c := NewClient(func(string, string) (Transport, error) {
		return nil, errors.New("no route")
	}, bus)

	err := c.Init(context.Background(), testParams)
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if c.Phase() != PhaseIdle {
		t.Errorf("expected phase idle, got %s", c.Phase())
	}
}

func TestInit_SubscribeFailureLogsOutAndDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.transport.SubscribeErr = errors.New("service not enabled")
	env.transport.LogoutErr = errors.New("logout also broken")

	err := env.client.Init(context.Background(), testParams)
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("expected ErrSubscribeFailed, got %v", err)
	}
	if env.client.Phase() != PhaseDegraded {
		t.Errorf("expected phase degraded, got %s", env.client.Phase())
	}
	if n := env.transport.count("logout"); n != 1 {
		t.Errorf("expected best-effort logout, got %d calls", n)
	}
	if n := env.transport.count("listen"); n != 0 {
		t.Errorf("expected no listeners registered, got %d", n)
	}
}

func TestInit_PhaseHookSeesTransitions(t *testing.T) {
	var phases []Phase
	tr := &fakeTransport{}
	c := NewClient(func(string, string) (Transport, error) { return tr, nil }, events.NewBus(),
		WithPhaseHook(func(p Phase) { phases = append(phases, p) }))

	if err := c.Init(context.Background(), testParams); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Phase{PhaseLoggingIn, PhaseSubscribing, PhaseJoined}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase %d: expected %s, got %s", i, want[i], phases[i])
		}
	}
}

func TestSendText_PublishesAndEchoes(t *testing.T) {
	env := newTestEnv(t)
	if err := env.client.Init(context.Background(), testParams); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := env.client.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(env.transport.published) != 1 {
		t.Fatalf("expected exactly 1 publish, got %d", len(env.transport.published))
	}
	pub := env.transport.published[0]
	if pub.Channel != "room-1" {
		t.Errorf("expected channel room-1, got %s", pub.Channel)
	}
	if pub.Opts.CustomType != CustomTypeText {
		t.Errorf("expected custom type %s, got %s", CustomTypeText, pub.Opts.CustomType)
	}

	var wire map[string]any
	if err := json.Unmarshal(pub.Payload, &wire); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if wire["type"] != "input_text" {
		t.Errorf("expected type input_text, got %v", wire["type"])
	}
	if wire["is_final"] != true {
		t.Errorf("expected is_final true, got %v", wire["is_final"])
	}
	if wire["stream_id"] != "1234" {
		t.Errorf("expected stream_id 1234, got %v", wire["stream_id"])
	}
	if wire["ts"] != float64(5000) {
		t.Errorf("expected ts 5000, got %v", wire["ts"])
	}

	if len(env.feed) != 1 {
		t.Fatalf("expected 1 local echo, got %d", len(env.feed))
	}
	if env.feed[0].Text != "hello" || env.feed[0].Kind != events.KindInputText {
		t.Errorf("unexpected echo: %+v", env.feed[0])
	}
}

func TestSendText_NotJoinedIsNoop(t *testing.T) {
	env := newTestEnv(t)

	err := env.client.SendText(context.Background(), "hello")
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if n := env.transport.count("publish"); n != 0 {
		t.Errorf("expected no publish, got %d", n)
	}
	if len(env.feed) != 0 {
		t.Errorf("expected no local emit, got %d", len(env.feed))
	}
}

func TestSendText_DegradedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.transport.SubscribeErr = errors.New("nope")
	_ = env.client.Init(context.Background(), testParams)

	if err := env.client.SendText(context.Background(), "hello"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if len(env.feed) != 0 {
		t.Errorf("expected no local emit, got %d", len(env.feed))
	}
}

func TestSendText_PublishFailureDoesNotEcho(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)
	env.transport.PublishErr = errors.New("connection lost")

	if err := env.client.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("expected publish error")
	}
	if len(env.feed) != 0 {
		t.Errorf("expected no local emit after failed publish, got %d", len(env.feed))
	}
}

func TestDestroy_RunsAllStepsDespiteFailures(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)
	env.transport.UnsubscribeErr = errors.New("unsubscribe failed")

	env.client.Destroy(context.Background())

	calls := env.transport.Calls()
	tail := calls[len(calls)-3:]
	want := []string{"unlisten", "unsubscribe", "logout"}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("teardown step %d: expected %s, got %s", i, want[i], tail[i])
		}
	}
	if env.client.Phase() != PhaseDestroyed {
		t.Errorf("expected phase destroyed, got %s", env.client.Phase())
	}
	if err := env.client.SendText(context.Background(), "late"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined after destroy, got %v", err)
	}
}

func TestDestroy_WithoutJoinIsSafe(t *testing.T) {
	env := newTestEnv(t)
	env.client.Destroy(context.Background())

	if env.client.Phase() != PhaseDestroyed {
		t.Errorf("expected phase destroyed, got %s", env.client.Phase())
	}
	if len(env.transport.Calls()) != 0 {
		t.Errorf("expected no transport calls, got %v", env.transport.Calls())
	}
}

func TestInit_AfterDestroyRejoins(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)
	env.client.Destroy(context.Background())

	if err := env.client.Init(context.Background(), testParams); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if env.client.Phase() != PhaseJoined {
		t.Errorf("expected phase joined, got %s", env.client.Phase())
	}
	if env.dials != 2 {
		t.Errorf("expected a fresh dial, got %d dials", env.dials)
	}
}

func TestInbound_StringMessage(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)

	env.transport.deliver(MessageEvent{
		ChannelType: "MESSAGE",
		ChannelName: "room-1",
		MessageType: MessageTypeString,
		Publisher:   "agent",
		Message:     []byte(`{"is_final":true,"ts":1000,"text":"hi","type":"transcribe","stream_id":"0"}`),
	})

	if len(env.feed) != 1 {
		t.Fatalf("expected 1 message on feed, got %d", len(env.feed))
	}
	m := env.feed[0]
	if m.Text != "hi" || m.StreamID != "0" || m.Kind != events.KindTranscribe || m.TimestampMs != 1000 {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestInbound_BinaryMessage(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)

	env.transport.deliver(MessageEvent{
		MessageType: MessageTypeBinary,
		Message:     []byte(`{"is_final":false,"ts":2000,"text":"你好","type":"transcribe","stream_id":"1234"}`),
	})

	if len(env.feed) != 1 {
		t.Fatalf("expected 1 message on feed, got %d", len(env.feed))
	}
	if env.feed[0].Text != "你好" {
		t.Errorf("expected utf-8 text to survive decoding, got %q", env.feed[0].Text)
	}
}

func TestInbound_MalformedIsDropped(t *testing.T) {
	var dropped []string
	tr := &fakeTransport{}
	bus := events.NewBus()
	c := NewClient(func(string, string) (Transport, error) { return tr, nil }, bus,
		WithDropHook(func(reason string) { dropped = append(dropped, reason) }))
	var feed int
	events.Subscribe(bus, MessageTopic, func(events.TransportMessage) { feed++ })
	_ = c.Init(context.Background(), testParams)

	tr.deliver(MessageEvent{MessageType: MessageTypeString, Message: []byte(`{broken`)})
	tr.deliver(MessageEvent{MessageType: "JSON_PATCH", Message: []byte(`{}`)})

	if feed != 0 {
		t.Errorf("expected nothing on feed, got %d", feed)
	}
	if len(dropped) != 2 || dropped[0] != "malformed" || dropped[1] != "unknown_type" {
		t.Errorf("unexpected drop reasons: %v", dropped)
	}
}

func TestInbound_AfterDestroyIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	_ = env.client.Init(context.Background(), testParams)
	env.client.Destroy(context.Background())

	env.transport.deliver(MessageEvent{
		MessageType: MessageTypeString,
		Message:     []byte(`{"ts":1,"text":"late","type":"transcribe","stream_id":"0"}`),
	})
	if len(env.feed) != 0 {
		t.Errorf("expected no delivery after destroy, got %d", len(env.feed))
	}
}

func TestPresenceIsRepublished(t *testing.T) {
	env := newTestEnv(t)
	var got []PresenceEvent
	events.Subscribe(env.bus, PresenceTopic, func(e PresenceEvent) { got = append(got, e) })
	_ = env.client.Init(context.Background(), testParams)

	env.transport.listeners.Presence(PresenceEvent{ChannelName: "room-1", Publisher: "0", EventType: PresenceJoin})

	if len(got) != 1 || got[0].EventType != PresenceJoin {
		t.Errorf("unexpected presence events: %+v", got)
	}
}

func TestPhaseString(t *testing.T) {
	tests := map[Phase]string{
		PhaseIdle:        "idle",
		PhaseLoggingIn:   "logging_in",
		PhaseSubscribing: "subscribing",
		PhaseJoined:      "joined",
		PhaseDegraded:    "degraded",
		PhaseDestroyed:   "destroyed",
		Phase(99):        "unknown",
	}
	for p, want := range tests {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %s, want %s", p, p.String(), want)
		}
	}
}
