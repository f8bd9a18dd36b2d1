// Package transcript fuses the messaging feed and the media room's text feed
// into one ordered transcript.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
)

// EntryAppended fires after every append (or in-place interim replacement).
var EntryAppended = events.NewTopic[Update]("transcript.entry_appended")

// Cleared fires after Reset. Indexes in later updates start again at zero.
var Cleared = events.NewTopic[ClearedEvent]("transcript.cleared")

type Option func(*Fusion)

// WithInterimMerge makes a newer fragment from the same source and stream
// replace the most recent entry of that stream while it is still interim.
// Entries without a stream id are never merged.
func WithInterimMerge() Option {
	return func(f *Fusion) { f.mergeInterim = true }
}

// WithAppendHook registers fn to run for every accepted entry.
func WithAppendHook(fn func(Entry)) Option {
	return func(f *Fusion) { f.onAppend = fn }
}

// Fusion holds the transcript. Entries are kept in arrival order; timestamps
// from the two feeds are not comparable and are never used for ordering.
type Fusion struct {
	bus          *events.Bus
	mergeInterim bool
	onAppend     func(Entry)

	// emitMu keeps EntryAppended in the same order as the appends.
	emitMu  sync.Mutex
	mu      sync.RWMutex
	entries []Entry
	tokens  []events.Token
}

func New(bus *events.Bus, opts ...Option) *Fusion {
	f := &Fusion{bus: bus}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Start subscribes to the messaging and room feeds. Calling it twice is a
// no-op.
func (f *Fusion) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) > 0 {
		return
	}
	f.tokens = append(f.tokens,
		events.Subscribe(f.bus, messaging.MessageTopic, f.HandleMessage),
		events.Subscribe(f.bus, room.TextChanged, f.HandleRoomText),
	)
}

// Stop unsubscribes from both feeds. The transcript is kept.
func (f *Fusion) Stop() {
	f.mu.Lock()
	tokens := f.tokens
	f.tokens = nil
	f.mu.Unlock()

	for _, tok := range tokens {
		f.bus.Unsubscribe(tok)
	}
}

// Normalize maps a messaging-feed message to a transcript entry. Kinds other
// than transcribe and input_text are not part of the transcript.
func Normalize(msg events.TransportMessage) (Entry, bool) {
	e := Entry{
		ContentKind: events.ContentText,
		Text:        msg.Text,
		IsFinal:     msg.IsFinal,
		TimestampMs: msg.TimestampMs,
		Source:      events.SourceMessaging,
		StreamID:    msg.StreamID,
	}
	switch msg.Kind {
	case events.KindTranscribe:
		e.Speaker = events.SpeakerUser
		if msg.StreamID == events.AgentStreamID {
			e.Speaker = events.SpeakerAgent
		}
	case events.KindInputText:
		e.Speaker = events.SpeakerUser
		e.IsFinal = true
	default:
		return Entry{}, false
	}
	return e, true
}

// HandleMessage consumes one messaging-feed message.
func (f *Fusion) HandleMessage(msg events.TransportMessage) {
	e, ok := Normalize(msg)
	if !ok {
		slog.Debug("transcript: ignoring message kind", "kind", msg.Kind)
		return
	}
	f.add(e)
}

// HandleRoomText consumes one room text event. Room entries arrive already
// shaped, including image entries.
func (f *Fusion) HandleRoomText(e Entry) {
	e.Source = events.SourceRoom
	if e.ContentKind == "" {
		e.ContentKind = events.ContentText
	}
	f.add(e)
}

func (f *Fusion) add(e Entry) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	idx, replaced := -1, false
	if f.mergeInterim && e.StreamID != "" {
		if i := f.lastOfStream(e.Source, e.StreamID); i >= 0 && !f.entries[i].IsFinal {
			f.entries[i] = e
			idx, replaced = i, true
		}
	}
	if !replaced {
		f.entries = append(f.entries, e)
		idx = len(f.entries) - 1
	}
	f.mu.Unlock()

	if f.onAppend != nil {
		f.onAppend(e)
	}
	events.Publish(f.bus, EntryAppended, Update{Index: idx, Entry: e, Replaced: replaced})
}

// lastOfStream must be called with mu held.
func (f *Fusion) lastOfStream(source events.Source, streamID string) int {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].Source == source && f.entries[i].StreamID == streamID {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the transcript.
func (f *Fusion) Snapshot() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *Fusion) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Render formats the transcript as "[speaker]: text" lines.
func (f *Fusion) Render() string {
	return Render(f.Snapshot())
}

// Reset clears the transcript and publishes Cleared.
func (f *Fusion) Reset() {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	dropped := len(f.entries)
	f.entries = nil
	f.mu.Unlock()

	events.Publish(f.bus, Cleared, ClearedEvent{Dropped: dropped})
}

func Render(entries []Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		text := e.Text
		if e.ContentKind == events.ContentImage {
			text = "<image " + e.Text + ">"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Speaker, text)
	}
	return sb.String()
}
