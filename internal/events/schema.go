package events

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// MessageKind is the "type" discriminator of a transport message.
type MessageKind string

const (
	KindTranscribe MessageKind = "transcribe"
	KindInputText  MessageKind = "input_text"
	KindRoomText   MessageKind = "room_text"
)

// AgentStreamID is the stream id reserved for the agent's own utterances.
const AgentStreamID = "0"

// TransportMessage is a single utterance fragment as it arrives from a
// transport. Values are never mutated after decoding.
type TransportMessage struct {
	IsFinal     bool        `json:"is_final"`
	TimestampMs int64       `json:"ts"`
	Text        string      `json:"text"`
	Kind        MessageKind `json:"type"`
	StreamID    string      `json:"stream_id"`
}

// ErrEmptyPayload is returned when a transport delivers a zero-length body.
var ErrEmptyPayload = errors.New("empty transport payload")

// DecodeTransportMessage parses the JSON wire shape. A missing timestamp is
// replaced by the local receive time; every other field is taken as sent.
func DecodeTransportMessage(raw []byte) (TransportMessage, error) {
	if len(raw) == 0 {
		return TransportMessage{}, ErrEmptyPayload
	}

	var m TransportMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return TransportMessage{}, err
	}

	if m.TimestampMs == 0 {
		m.TimestampMs = time.Now().UnixMilli()
		slog.Debug("transport message missing ts, using receive time", "type", m.Kind)
	}
	return m, nil
}

// Speaker is who a transcript line is attributed to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ContentKind is how a transcript line should be rendered.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// Source records which transport produced an entry.
type Source string

const (
	SourceMessaging Source = "messaging"
	SourceRoom      Source = "room"
)

// TranscriptEntry is one line of the fused chat transcript.
type TranscriptEntry struct {
	Speaker     Speaker     `json:"speaker"`
	ContentKind ContentKind `json:"content_kind"`
	Text        string      `json:"text"`
	IsFinal     bool        `json:"is_final"`
	TimestampMs int64       `json:"ts"`
	Source      Source      `json:"source,omitempty"`
	StreamID    string      `json:"stream_id,omitempty"`
}
