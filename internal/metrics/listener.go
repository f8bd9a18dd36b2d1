package metrics

import (
	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/room"
	"github.com/MikeSquared-Agency/voxlink/internal/session"
	"github.com/MikeSquared-Agency/voxlink/internal/transcript"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Listener records bus events as Prometheus metrics.
type Listener struct {
	bus    *events.Bus
	tokens []events.Token
}

// Attach subscribes a Listener to every topic it records.
func Attach(bus *events.Bus) *Listener {
	l := &Listener{bus: bus}
	l.tokens = []events.Token{
		events.Subscribe(bus, session.ConnectFinished, func(e session.ConnectEvent) {
			RecordConnect(e.Result.Outcome.String(), e.Duration.Seconds())
		}),
		events.Subscribe(bus, session.StateChanged, func(s session.State) {
			SetConnected(s.Connected())
		}),
		events.Subscribe(bus, session.HealthChecked, func(c session.HealthCheck) {
			RecordHealthPing(c.OK)
		}),
		events.Subscribe(bus, messaging.MessageTopic, func(m events.TransportMessage) {
			RecordMessage(string(m.Kind))
		}),
		events.Subscribe(bus, messaging.PresenceTopic, func(p messaging.PresenceEvent) {
			RecordPresence(p.EventType)
		}),
		events.Subscribe(bus, transcript.EntryAppended, func(u transcript.Update) {
			if !u.Replaced {
				RecordTranscriptEntry(string(u.Entry.Source), string(u.Entry.Speaker))
			}
		}),
		events.Subscribe(bus, room.ConnectionError, func(error) {
			RecordRoomError()
		}),
	}
	return l
}

// Detach removes every subscription.
func (l *Listener) Detach() {
	for _, tok := range l.tokens {
		l.bus.Unsubscribe(tok)
	}
	l.tokens = nil
}
