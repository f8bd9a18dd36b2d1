// Package session brings up the agent, the media room and the messaging
// channel for one conversation, and tracks their readiness.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/voxlink/internal/agentctl"
	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
)

// Agent is the agent-control surface the orchestrator needs.
type Agent interface {
	Start(ctx context.Context, p agentctl.StartParams) (agentctl.Response, error)
	Ping(ctx context.Context, channel string) (agentctl.Response, error)
	Stop(ctx context.Context, channel string) (agentctl.Response, error)
	Graphs(ctx context.Context) ([]agentctl.Graph, error)
}

// Room is the media room surface the orchestrator needs.
type Room interface {
	CreateCameraTracks(ctx context.Context) error
	CreateMicrophoneAudioTrack(ctx context.Context) error
	Join(ctx context.Context, opts room.JoinOptions) error
	Publish(ctx context.Context) error
	Leave(ctx context.Context) error
	AppID() string
	Token() string
	LocalTracks() room.LocalTracks
}

// Messaging is the messaging channel surface the orchestrator needs.
type Messaging interface {
	Init(ctx context.Context, p messaging.InitParams) error
	SendText(ctx context.Context, text string) error
	Destroy(ctx context.Context)
	Phase() messaging.Phase
}

var (
	ErrAgentStartFailed  = errors.New("agent start failed")
	ErrRoomJoinFailed    = errors.New("room join failed")
	ErrNoGraphSelected   = errors.New("no graph selected")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrAlreadyConnected  = errors.New("session already connected")
	ErrConnectCancelled  = errors.New("connect cancelled")
	ErrNoChannel         = errors.New("channel is required")
)

// AgentStartError carries the agent server's non-zero result code.
type AgentStartError struct {
	Code int
	Msg  string
}

func (e *AgentStartError) Error() string {
	return fmt.Sprintf("agent start failed: code %d: %s", e.Code, e.Msg)
}

func (e *AgentStartError) Is(target error) bool { return target == ErrAgentStartFailed }

// State is the session as the orchestrator sees it. Readiness flags are only
// set during Connect and only cleared by Disconnect.
type State struct {
	AgentReady        bool      `json:"agent_ready"`
	RoomReady         bool      `json:"room_ready"`
	MessagingReady    bool      `json:"messaging_ready"`
	MessagingDegraded bool      `json:"messaging_degraded"`
	DegradedReason    string    `json:"degraded_reason,omitempty"`
	ChannelID         string    `json:"channel_id,omitempty"`
	UserID            int       `json:"user_id,omitempty"`
	AppID             string    `json:"app_id,omitempty"`
	RoomToken         string    `json:"-"`
	GraphName         string    `json:"graph_name,omitempty"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
}

// Connected reports whether all three transports are ready.
func (s State) Connected() bool {
	return s.AgentReady && s.RoomReady && s.MessagingReady
}

type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeConnected
	OutcomeConnectedDegraded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeConnectedDegraded:
		return "connected_degraded"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result is what Connect reports to the caller.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// ConnectRequest selects the channel, user and graph for a session.
type ConnectRequest struct {
	Channel string `json:"channel"`
	UserID  int    `json:"user_id"`
	GraphID string `json:"graph_id"`
}

// ConnectEvent is published on ConnectFinished after every Connect.
type ConnectEvent struct {
	Channel  string
	Result   Result
	Duration time.Duration
}

// HealthCheck is published on HealthChecked after every agent ping.
type HealthCheck struct {
	Channel string
	OK      bool
	Err     string
}

var (
	StateChanged    = events.NewTopic[State]("session.state")
	ConnectFinished = events.NewTopic[ConnectEvent]("session.connect_finished")
	HealthChecked   = events.NewTopic[HealthCheck]("session.health_checked")
)
