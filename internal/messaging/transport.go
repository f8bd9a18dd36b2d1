package messaging

import "context"

// MessageType tells how the payload of an inbound message is encoded.
type MessageType string

const (
	MessageTypeString MessageType = "STRING"
	MessageTypeBinary MessageType = "BINARY"
)

// CustomTypeText marks typed user input on the wire.
const CustomTypeText = "PainTxt"

// MessageEvent is an inbound message as delivered by the transport.
type MessageEvent struct {
	ChannelType string
	ChannelName string
	MessageType MessageType
	CustomType  string
	Publisher   string
	Message     []byte
	Timestamp   int64
}

// PresenceEvent reports a member joining or leaving a channel.
type PresenceEvent struct {
	ChannelName string `json:"channel"`
	Publisher   string `json:"publisher"`
	EventType   string `json:"event_type"`
	Timestamp   int64  `json:"ts"`
}

const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// SubscribeOptions selects what the transport delivers for a channel.
type SubscribeOptions struct {
	WithMessage  bool
	WithPresence bool
	WithMetadata bool
	WithLock     bool
}

// PublishOptions annotates an outbound message.
type PublishOptions struct {
	CustomType string
}

// Listeners are the inbound callbacks a transport invokes. Nil fields are
// skipped.
type Listeners struct {
	Message  func(MessageEvent)
	Presence func(PresenceEvent)
}

// Transport is the pub/sub SDK boundary. One Transport is one logged-in
// session for one user.
type Transport interface {
	Login(ctx context.Context, token string) error
	Subscribe(ctx context.Context, channel string, opts SubscribeOptions) error
	Publish(ctx context.Context, channel string, payload []byte, opts PublishOptions) error
	Unsubscribe(ctx context.Context, channel string) error
	Logout(ctx context.Context) error

	Listen(l Listeners)
	Unlisten()
}

// Dialer constructs a Transport bound to an app id and a user id.
type Dialer func(appID, userID string) (Transport, error)
