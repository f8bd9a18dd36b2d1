package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
)

// signalServer is a scripted room signalling endpoint.
type signalServer struct {
	t        *testing.T
	server   *httptest.Server
	received chan frame
	// answer is sent in response to "join".
	answer frame
	// after joining, these frames are pushed to the client.
	push []frame

	mu    sync.Mutex
	query string
	auth  string
	// hangUp drops the link without a close frame right after the join answer.
	hangUp bool
}

func newSignalServer(t *testing.T, answer frame, push ...frame) *signalServer {
	t.Helper()
	s := &signalServer{t: t, received: make(chan frame, 16), answer: answer, push: push}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.query = r.URL.RawQuery
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.received <- f
			if f.Type == "join" {
				if err := conn.WriteJSON(s.answer); err != nil {
					return
				}
				for _, p := range s.push {
					if err := conn.WriteJSON(p); err != nil {
						return
					}
				}
				s.mu.Lock()
				hangUp := s.hangUp
				s.mu.Unlock()
				if hangUp {
					return
				}
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *signalServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *signalServer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func TestJoinReceivesCredentials(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"})
	r := NewWSRoom(Config{URL: srv.url(), AuthToken: "secret"}, events.NewBus())

	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1234}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer r.Leave(context.Background())

	join := srv.next(t)
	if join.Type != "join" || join.Channel != "demo" || join.UID != 1234 {
		t.Errorf("join frame = %+v", join)
	}
	if r.AppID() != "A1" || r.Token() != "T1" {
		t.Errorf("credentials = %q/%q, want A1/T1", r.AppID(), r.Token())
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !strings.Contains(srv.query, "channel=demo") || !strings.Contains(srv.query, "uid=1234") {
		t.Errorf("query = %q", srv.query)
	}
	if srv.auth != "Bearer secret" {
		t.Errorf("auth header = %q", srv.auth)
	}
}

func TestJoinRejected(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "error", Message: "room full"})
	r := NewWSRoom(Config{URL: srv.url()}, events.NewBus())

	err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1})
	if err == nil || !strings.Contains(err.Error(), "room full") {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if r.AppID() != "" {
		t.Error("credentials should be empty after failed join")
	}
}

func TestJoinUnreachable(t *testing.T) {
	r := NewWSRoom(Config{URL: "ws://127.0.0.1:1", JoinTimeout: time.Second}, events.NewBus())
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestJoinTwice(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"})
	r := NewWSRoom(Config{URL: srv.url()}, events.NewBus())
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer r.Leave(context.Background())

	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != ErrAlreadyJoined {
		t.Errorf("second Join = %v, want ErrAlreadyJoined", err)
	}
}

func TestRejoinAfterLinkDrops(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"})
	srv.mu.Lock()
	srv.hangUp = true
	srv.mu.Unlock()

	bus := events.NewBus()
	lost := make(chan error, 4)
	events.Subscribe(bus, ConnectionError, func(err error) { lost <- err })

	r := NewWSRoom(Config{URL: srv.url()}, bus)
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection error after the link dropped")
	}

	if r.AppID() != "" || r.Token() != "" {
		t.Errorf("credentials kept after link loss: %q/%q", r.AppID(), r.Token())
	}
	if err := r.Publish(context.Background()); err != ErrNotJoined {
		t.Errorf("Publish after link loss = %v, want ErrNotJoined", err)
	}

	srv.mu.Lock()
	srv.hangUp = false
	srv.mu.Unlock()
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer r.Leave(context.Background())
	if r.AppID() != "A1" {
		t.Errorf("AppID after rejoin = %q", r.AppID())
	}
}

func TestCreateTracksPublishesChanges(t *testing.T) {
	bus := events.NewBus()
	var seen []LocalTracks
	events.Subscribe(bus, LocalTracksChanged, func(lt LocalTracks) { seen = append(seen, lt) })

	r := NewWSRoom(Config{URL: "ws://unused"}, bus)
	if err := r.CreateCameraTracks(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateMicrophoneAudioTrack(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 track events, got %d", len(seen))
	}
	last := seen[1]
	if last.Video == nil || last.Audio == nil {
		t.Fatalf("expected both tracks, got %+v", last)
	}
	if last.Audio.Kind != TrackAudio || last.Video.Kind != TrackVideo {
		t.Errorf("kinds = %s/%s", last.Audio.Kind, last.Video.Kind)
	}
	if last.Audio.ID == "" || last.Audio.ID == last.Video.ID {
		t.Errorf("track ids should be unique and non-empty: %q %q", last.Audio.ID, last.Video.ID)
	}
}

func TestPublishRequiresJoinAndTracks(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"})
	r := NewWSRoom(Config{URL: srv.url()}, events.NewBus())

	if err := r.Publish(context.Background()); err != ErrNotJoined {
		t.Errorf("Publish before join = %v, want ErrNotJoined", err)
	}

	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatal(err)
	}
	defer r.Leave(context.Background())
	srv.next(t)

	if err := r.Publish(context.Background()); err != ErrNoTracks {
		t.Errorf("Publish without tracks = %v, want ErrNoTracks", err)
	}

	_ = r.CreateMicrophoneAudioTrack(context.Background())
	if err := r.Publish(context.Background()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	pub := srv.next(t)
	if pub.Type != "publish" || len(pub.Tracks) != 1 || pub.Tracks[0].Kind != TrackAudio {
		t.Errorf("publish frame = %+v", pub)
	}
}

func TestTextFramesPublished(t *testing.T) {
	entry := events.TranscriptEntry{
		Speaker:     events.SpeakerAgent,
		ContentKind: events.ContentImage,
		Text:        "https://example.com/cat.png",
		IsFinal:     true,
		TimestampMs: 42,
	}
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"},
		frame{Type: "text", Entry: &entry},
	)

	bus := events.NewBus()
	got := make(chan events.TranscriptEntry, 1)
	events.Subscribe(bus, TextChanged, func(e events.TranscriptEntry) { got <- e })

	r := NewWSRoom(Config{URL: srv.url()}, bus)
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatal(err)
	}
	defer r.Leave(context.Background())

	select {
	case e := <-got:
		if e.Speaker != events.SpeakerAgent || e.ContentKind != events.ContentImage || e.Text != entry.Text {
			t.Errorf("entry = %+v", e)
		}
		if e.Source != events.SourceRoom {
			t.Errorf("source = %q, want room", e.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no text event")
	}
}

func TestServerErrorFrame(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"},
		frame{Type: "error", Message: "media server lost"},
	)

	bus := events.NewBus()
	got := make(chan error, 1)
	events.Subscribe(bus, ConnectionError, func(err error) { got <- err })

	r := NewWSRoom(Config{URL: srv.url()}, bus)
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatal(err)
	}
	defer r.Leave(context.Background())

	select {
	case err := <-got:
		if !strings.Contains(err.Error(), "media server lost") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection error event")
	}
}

func TestLeaveReleasesTracks(t *testing.T) {
	srv := newSignalServer(t, frame{Type: "joined", AppID: "A1", Token: "T1"})
	bus := events.NewBus()
	r := NewWSRoom(Config{URL: srv.url()}, bus)

	_ = r.CreateMicrophoneAudioTrack(context.Background())
	if err := r.Join(context.Background(), JoinOptions{Channel: "demo", UserID: 1}); err != nil {
		t.Fatal(err)
	}
	srv.next(t)

	var last *LocalTracks
	events.Subscribe(bus, LocalTracksChanged, func(lt LocalTracks) { last = &lt })

	if err := r.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if f := srv.next(t); f.Type != "leave" {
		t.Errorf("expected leave frame, got %q", f.Type)
	}
	if last == nil || last.Audio != nil {
		t.Errorf("expected released tracks event, got %+v", last)
	}
	if r.AppID() != "" || r.Token() != "" {
		t.Error("credentials should be cleared")
	}
	if err := r.Leave(context.Background()); err != nil {
		t.Errorf("second Leave: %v", err)
	}
}

func TestTrackStateUpdates(t *testing.T) {
	bus := events.NewBus()
	r := NewWSRoom(Config{URL: "ws://unused"}, bus)
	_ = r.CreateMicrophoneAudioTrack(context.Background())
	id := r.LocalTracks().Audio.ID

	muted := true
	r.handleFrame(frame{Type: "track_state", TrackID: id, Muted: &muted})
	if !r.LocalTracks().Audio.Muted {
		t.Error("expected audio track muted")
	}

	ended := true
	r.handleFrame(frame{Type: "track_state", TrackID: "other", Ended: &ended})
	if r.LocalTracks().Audio.Ended {
		t.Error("unknown track id should be ignored")
	}
}
