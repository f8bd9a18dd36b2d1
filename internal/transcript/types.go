package transcript

import (
	"time"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

// Entry is one line of the fused transcript.
type Entry = events.TranscriptEntry

// Update is published on EntryAppended for every change to the transcript.
// Replaced is true when an interim entry at Index was overwritten in place.
type Update struct {
	Index    int   `json:"index"`
	Entry    Entry `json:"entry"`
	Replaced bool  `json:"replaced,omitempty"`
}

// ClearedEvent is published on Cleared with the number of entries dropped.
type ClearedEvent struct {
	Dropped int `json:"dropped"`
}

// ClosedEvent is the NATS payload published when a session's transcript is
// closed out on disconnect.
type ClosedEvent struct {
	SessionID  string    `json:"session_id"`
	Channel    string    `json:"channel"`
	UserID     int       `json:"user_id"`
	GraphName  string    `json:"graph_name,omitempty"`
	EntryCount int       `json:"entry_count"`
	Duration   string    `json:"duration,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Transcript string    `json:"transcript"`
	Entries    []Entry   `json:"entries"`
}
