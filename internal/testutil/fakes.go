package testutil

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/voxlink/internal/agentctl"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
)

// CallLog records calls across fakes so tests can assert ordering.
type CallLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *CallLog) Add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, call)
}

func (l *CallLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// FakeAgent is a thread-safe in-memory agent server.
type FakeAgent struct {
	mu  sync.Mutex
	Log *CallLog

	GraphList []agentctl.Graph
	GraphsErr error
	StartResp agentctl.Response
	StartErr  error
	PingResp  agentctl.Response
	PingErr   error
	StopResp  agentctl.Response
	StopErr   error

	// StartBlock, when non-nil, holds Start until it is closed or ctx ends.
	StartBlock chan struct{}

	StartCalls []agentctl.StartParams
	PingCalls  []string
	StopCalls  []string
}

// NewFakeAgent returns an agent that knows the voice_assistant graph and
// answers every call with code 0.
func NewFakeAgent(log *CallLog) *FakeAgent {
	return &FakeAgent{
		Log:       log,
		GraphList: []agentctl.Graph{{GraphID: "g-voice", Name: "voice_assistant"}},
	}
}

func (a *FakeAgent) Graphs(_ context.Context) ([]agentctl.Graph, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Log.Add("agent.graphs")
	return a.GraphList, a.GraphsErr
}

func (a *FakeAgent) Start(ctx context.Context, p agentctl.StartParams) (agentctl.Response, error) {
	a.mu.Lock()
	a.Log.Add("agent.start")
	a.StartCalls = append(a.StartCalls, p)
	block := a.StartBlock
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return agentctl.Response{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.StartResp, a.StartErr
}

func (a *FakeAgent) Ping(_ context.Context, channel string) (agentctl.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PingCalls = append(a.PingCalls, channel)
	return a.PingResp, a.PingErr
}

// Stop fails with the context error when ctx is already done, like a real
// HTTP call would.
func (a *FakeAgent) Stop(ctx context.Context, channel string) (agentctl.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Log.Add("agent.stop")
	a.StopCalls = append(a.StopCalls, channel)
	if err := ctx.Err(); err != nil {
		return agentctl.Response{}, err
	}
	return a.StopResp, a.StopErr
}

func (a *FakeAgent) Starts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.StartCalls)
}

func (a *FakeAgent) Pings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.PingCalls)
}

func (a *FakeAgent) Stops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.StopCalls)
}

// FakeRoom is an in-memory media room.
type FakeRoom struct {
	mu  sync.Mutex
	Log *CallLog

	CameraErr  error
	MicErr     error
	JoinErr    error
	PublishErr error
	LeaveErr   error

	JoinAppID string
	JoinToken string
	Tracks    room.LocalTracks

	Joins     []room.JoinOptions
	Leaves    int
	appID     string
	token     string
	joined    bool
	published bool
}

// NewFakeRoom returns a room whose join yields app id A1 and token T1.
func NewFakeRoom(log *CallLog) *FakeRoom {
	return &FakeRoom{Log: log, JoinAppID: "A1", JoinToken: "T1"}
}

func (r *FakeRoom) CreateCameraTracks(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log.Add("room.camera")
	if r.CameraErr != nil {
		return r.CameraErr
	}
	r.Tracks.Video = &room.Track{ID: "video-1", Kind: room.TrackVideo}
	return nil
}

func (r *FakeRoom) CreateMicrophoneAudioTrack(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log.Add("room.microphone")
	if r.MicErr != nil {
		return r.MicErr
	}
	r.Tracks.Audio = &room.Track{ID: "audio-1", Kind: room.TrackAudio}
	return nil
}

func (r *FakeRoom) Join(_ context.Context, opts room.JoinOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log.Add("room.join")
	r.Joins = append(r.Joins, opts)
	if r.JoinErr != nil {
		return r.JoinErr
	}
	if r.joined {
		return room.ErrAlreadyJoined
	}
	r.joined = true
	r.appID, r.token = r.JoinAppID, r.JoinToken
	return nil
}

func (r *FakeRoom) Publish(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log.Add("room.publish")
	if r.PublishErr != nil {
		return r.PublishErr
	}
	r.published = true
	return nil
}

func (r *FakeRoom) Leave(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Log.Add("room.leave")
	r.Leaves++
	r.joined, r.published = false, false
	r.appID, r.token = "", ""
	r.Tracks = room.LocalTracks{}
	return r.LeaveErr
}

func (r *FakeRoom) AppID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appID
}

func (r *FakeRoom) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *FakeRoom) LocalTracks() room.LocalTracks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Tracks
}

// SetAudio replaces the local audio track.
func (r *FakeRoom) SetAudio(t *room.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tracks.Audio = t
}

func (r *FakeRoom) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined && r.published
}

// FakeMessaging is an in-memory messaging channel client.
type FakeMessaging struct {
	mu  sync.Mutex
	Log *CallLog

	InitErr error
	SendErr error

	InitCalls    []messaging.InitParams
	Sent         []string
	DestroyCalls int
	phase        messaging.Phase
}

func NewFakeMessaging(log *CallLog) *FakeMessaging {
	return &FakeMessaging{Log: log}
}

func (m *FakeMessaging) Init(_ context.Context, p messaging.InitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log.Add("messaging.init")
	m.InitCalls = append(m.InitCalls, p)
	if m.InitErr != nil {
		m.phase = messaging.PhaseDegraded
		return m.InitErr
	}
	m.phase = messaging.PhaseJoined
	return nil
}

func (m *FakeMessaging) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != messaging.PhaseJoined {
		return messaging.ErrNotJoined
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, text)
	return nil
}

func (m *FakeMessaging) Destroy(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log.Add("messaging.destroy")
	m.DestroyCalls++
	m.phase = messaging.PhaseDestroyed
}

func (m *FakeMessaging) Phase() messaging.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *FakeMessaging) Inits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.InitCalls)
}
