// Package room is the media room client: local track bookkeeping, join and
// publish over a WebSocket signalling link, and the room's text events.
package room

import (
	"errors"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track describes one local capture track.
type Track struct {
	ID    string    `json:"id"`
	Kind  TrackKind `json:"kind"`
	Label string    `json:"label,omitempty"`
	Muted bool      `json:"muted"`
	Ended bool      `json:"ended"`
}

// LocalTracks is the set of tracks this client captures. Nil means not
// created.
type LocalTracks struct {
	Audio *Track `json:"audio,omitempty"`
	Video *Track `json:"video,omitempty"`
}

func (lt LocalTracks) list() []Track {
	var out []Track
	if lt.Audio != nil {
		out = append(out, *lt.Audio)
	}
	if lt.Video != nil {
		out = append(out, *lt.Video)
	}
	return out
}

func (lt LocalTracks) clone() LocalTracks {
	var c LocalTracks
	if lt.Audio != nil {
		a := *lt.Audio
		c.Audio = &a
	}
	if lt.Video != nil {
		v := *lt.Video
		c.Video = &v
	}
	return c
}

// JoinOptions identifies the room and the local participant.
type JoinOptions struct {
	Channel string
	UserID  int
}

var (
	ErrNotJoined     = errors.New("room not joined")
	ErrAlreadyJoined = errors.New("room already joined")
	ErrNoTracks      = errors.New("no local tracks to publish")
)

var (
	// LocalTracksChanged fires whenever a local track is created, changes
	// state, or is released.
	LocalTracksChanged = events.NewTopic[LocalTracks]("room.local_tracks")

	// TextChanged carries transcript entries produced by the room, already in
	// final shape.
	TextChanged = events.NewTopic[events.TranscriptEntry]("room.text")

	// ConnectionError reports signalling failures. They are not recovered.
	ConnectionError = events.NewTopic[error]("room.connection_error")
)
