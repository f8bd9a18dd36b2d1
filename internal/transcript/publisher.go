package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
)

// PublishFunc is the callback signature for publishing to NATS.
type PublishFunc func(subject string, data []byte) error

// SessionInfo describes the session a transcript belongs to.
type SessionInfo struct {
	Channel   string
	UserID    int
	GraphName string
	StartedAt time.Time
}

// Publisher announces closed transcripts on <prefix>.transcript.<channel>.closed.
type Publisher struct {
	publish PublishFunc
	prefix  string
	now     func() time.Time
}

func NewPublisher(publish PublishFunc, prefix string) *Publisher {
	if prefix == "" {
		prefix = "voxlink"
	}
	return &Publisher{publish: publish, prefix: prefix, now: time.Now}
}

// Subject returns the subject a closed transcript for channel is published on.
func (p *Publisher) Subject(channel string) string {
	return fmt.Sprintf("%s.transcript.%s.closed", p.prefix, messaging.SubjectToken(channel))
}

// PublishClosed builds the closing event from entries and publishes it. Empty
// transcripts are skipped.
func (p *Publisher) PublishClosed(info SessionInfo, entries []Entry) error {
	if len(entries) == 0 {
		slog.Debug("transcript: nothing to publish", "channel", info.Channel)
		return nil
	}

	ended := p.now()
	evt := ClosedEvent{
		SessionID:  uuid.New().String(),
		Channel:    info.Channel,
		UserID:     info.UserID,
		GraphName:  info.GraphName,
		EntryCount: len(entries),
		StartedAt:  info.StartedAt,
		EndedAt:    ended,
		Transcript: Render(entries),
		Entries:    entries,
	}
	if !info.StartedAt.IsZero() {
		evt.Duration = ended.Sub(info.StartedAt).Round(time.Second).String()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}

	subject := p.Subject(info.Channel)
	if err := p.publish(subject, payload); err != nil {
		return fmt.Errorf("publish transcript event: %w", err)
	}

	slog.Info("transcript: published closed transcript",
		"subject", subject,
		"session_id", evt.SessionID,
		"entries", evt.EntryCount,
	)
	return nil
}
