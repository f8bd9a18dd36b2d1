package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/transcript"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

type streamFrame struct {
	Type     string             `json:"type"`
	Entries  []transcript.Entry `json:"entries,omitempty"`
	Index    int                `json:"index"`
	Entry    *transcript.Entry  `json:"entry,omitempty"`
	Replaced bool               `json:"replaced,omitempty"`
}

// streamEvent carries either a transcript update or a reset, in bus order.
type streamEvent struct {
	update transcript.Update
	reset  bool
}

// handleTranscriptStream sends a snapshot frame and then one frame per
// transcript update. A reset frame tells the client to drop what it has.
// A client that falls behind is disconnected.
func (s *Server) handleTranscriptStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates := make(chan streamEvent, streamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	enqueue := func(ev streamEvent) {
		select {
		case updates <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	}
	appendTok := events.Subscribe(s.bus, transcript.EntryAppended, func(u transcript.Update) {
		enqueue(streamEvent{update: u})
	})
	defer s.bus.Unsubscribe(appendTok)
	clearTok := events.Subscribe(s.bus, transcript.Cleared, func(transcript.ClearedEvent) {
		enqueue(streamEvent{reset: true})
	})
	defer s.bus.Unsubscribe(clearTok)

	snapshot := s.transcript.Snapshot()
	if err := writeFrame(conn, streamFrame{Type: "snapshot", Entries: snapshot}); err != nil {
		return
	}
	// Updates below this index are already in the client's snapshot.
	covered := len(snapshot)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-updates:
			if ev.reset {
				covered = 0
				if err := writeFrame(conn, streamFrame{Type: "reset"}); err != nil {
					slog.Debug("transcript stream write failed", "error", err)
					return
				}
				continue
			}
			u := ev.update
			if !u.Replaced && u.Index < covered {
				continue
			}
			entry := u.Entry
			if err := writeFrame(conn, streamFrame{Type: "entry", Index: u.Index, Entry: &entry, Replaced: u.Replaced}); err != nil {
				slog.Debug("transcript stream write failed", "error", err)
				return
			}
		case <-overflow:
			slog.Warn("transcript stream client too slow, closing")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(f)
}
