package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

const defaultJoinTimeout = 15 * time.Second

// frame is the signalling envelope in both directions.
type frame struct {
	Type    string                  `json:"type"`
	Channel string                  `json:"channel,omitempty"`
	UID     int                     `json:"uid,omitempty"`
	AppID   string                  `json:"app_id,omitempty"`
	Token   string                  `json:"token,omitempty"`
	Tracks  []Track                 `json:"tracks,omitempty"`
	Entry   *events.TranscriptEntry `json:"entry,omitempty"`
	TrackID string                  `json:"track_id,omitempty"`
	Muted   *bool                   `json:"muted,omitempty"`
	Ended   *bool                   `json:"ended,omitempty"`
	Message string                  `json:"message,omitempty"`
}

type Config struct {
	URL         string
	AuthToken   string
	JoinTimeout time.Duration
}

// WSRoom joins a media room through a WebSocket signalling server. The server
// answers "join" with "joined" carrying the app id and token, and afterwards
// pushes "text", "track_state" and "error" frames.
type WSRoom struct {
	cfg    Config
	bus    *events.Bus
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	tracks  LocalTracks
	appID   string
	token   string
	channel string
	done    chan struct{}

	writeMu sync.Mutex
}

func NewWSRoom(cfg Config, bus *events.Bus) *WSRoom {
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	return &WSRoom{
		cfg:    cfg,
		bus:    bus,
		dialer: websocket.DefaultDialer,
	}
}

func (r *WSRoom) AppID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appID
}

func (r *WSRoom) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// LocalTracks returns a copy of the current local tracks.
func (r *WSRoom) LocalTracks() LocalTracks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks.clone()
}

func (r *WSRoom) CreateCameraTracks(ctx context.Context) error {
	return r.createTrack(ctx, TrackVideo, "camera")
}

func (r *WSRoom) CreateMicrophoneAudioTrack(ctx context.Context) error {
	return r.createTrack(ctx, TrackAudio, "microphone")
}

func (r *WSRoom) createTrack(ctx context.Context, kind TrackKind, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &Track{ID: uuid.New().String(), Kind: kind, Label: label}

	r.mu.Lock()
	switch kind {
	case TrackAudio:
		r.tracks.Audio = t
	case TrackVideo:
		r.tracks.Video = t
	}
	snapshot := r.tracks.clone()
	r.mu.Unlock()

	slog.Debug("room: local track created", "kind", kind, "track_id", t.ID)
	events.Publish(r.bus, LocalTracksChanged, snapshot)
	return nil
}

// Join dials the signalling server and waits for the "joined" answer.
func (r *WSRoom) Join(ctx context.Context, opts JoinOptions) error {
	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	r.mu.Unlock()

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse room url: %w", err)
	}
	q := u.Query()
	q.Set("channel", opts.Channel)
	q.Set("uid", strconv.Itoa(opts.UserID))
	u.RawQuery = q.Encode()

	headers := make(http.Header)
	if r.cfg.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.cfg.JoinTimeout)
		defer cancel()
	}

	conn, resp, err := r.dialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("room dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("room dial: %w", err)
	}

	if err := conn.WriteJSON(frame{Type: "join", Channel: opts.Channel, UID: opts.UserID}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read join answer: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case "joined":
	case "error":
		_ = conn.Close()
		return fmt.Errorf("room rejected join: %s", ack.Message)
	default:
		_ = conn.Close()
		return fmt.Errorf("unexpected join answer %q", ack.Type)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.conn = conn
	r.appID = ack.AppID
	r.token = ack.Token
	r.channel = opts.Channel
	r.done = done
	r.mu.Unlock()

	go r.readLoop(conn, done)

	slog.Info("room: joined", "channel", opts.Channel, "user_id", opts.UserID, "has_token", ack.Token != "")
	return nil
}

// Publish announces the local tracks to the room.
func (r *WSRoom) Publish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	conn := r.conn
	tracks := r.tracks.list()
	r.mu.Unlock()

	if conn == nil {
		return ErrNotJoined
	}
	if len(tracks) == 0 {
		return ErrNoTracks
	}
	if err := r.write(conn, frame{Type: "publish", Tracks: tracks}); err != nil {
		return fmt.Errorf("send publish: %w", err)
	}
	slog.Info("room: tracks published", "count", len(tracks))
	return nil
}

// Leave says goodbye, closes the link and releases local tracks. It is safe to
// call when not joined.
func (r *WSRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn = nil
	r.appID = ""
	r.token = ""
	released := r.tracks.clone()
	r.tracks = LocalTracks{}
	r.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := r.write(conn, frame{Type: "leave"}); err != nil {
			errs = append(errs, fmt.Errorf("send leave: %w", err))
		}
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		r.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close room link: %w", err))
		}
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if released.Audio != nil || released.Video != nil {
		events.Publish(r.bus, LocalTracksChanged, LocalTracks{})
	}
	return errors.Join(errs...)
}

func (r *WSRoom) write(conn *websocket.Conn, f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (r *WSRoom) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !r.dropLink(conn) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("room: link closed by server")
				return
			}
			slog.Error("room: connection error", "error", err)
			events.Publish(r.bus, ConnectionError, error(fmt.Errorf("room link: %w", err)))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("room: malformed frame, skipping", "error", err)
			continue
		}
		r.handleFrame(f)
	}
}

func (r *WSRoom) handleFrame(f frame) {
	switch f.Type {
	case "text":
		if f.Entry == nil {
			slog.Warn("room: text frame without entry")
			return
		}
		entry := *f.Entry
		entry.Source = events.SourceRoom
		if entry.ContentKind == "" {
			entry.ContentKind = events.ContentText
		}
		events.Publish(r.bus, TextChanged, entry)

	case "track_state":
		if snapshot, ok := r.applyTrackState(f); ok {
			events.Publish(r.bus, LocalTracksChanged, snapshot)
		}

	case "error":
		slog.Error("room: server reported error", "message", f.Message)
		events.Publish(r.bus, ConnectionError, error(errors.New(f.Message)))

	default:
		slog.Debug("room: ignoring frame", "type", f.Type)
	}
}

func (r *WSRoom) applyTrackState(f frame) (LocalTracks, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range []*Track{r.tracks.Audio, r.tracks.Video} {
		if t == nil || t.ID != f.TrackID {
			continue
		}
		if f.Muted != nil {
			t.Muted = *f.Muted
		}
		if f.Ended != nil {
			t.Ended = *f.Ended
		}
		return r.tracks.clone(), true
	}
	return LocalTracks{}, false
}

// dropLink forgets conn and the credentials it carried so the room can be
// joined again. It reports false when conn was already released by Leave.
// Local tracks are kept; the room does not rejoin on its own.
func (r *WSRoom) dropLink(conn *websocket.Conn) bool {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return false
	}
	r.conn = nil
	r.appID = ""
	r.token = ""
	r.mu.Unlock()

	_ = conn.Close()
	return true
}
