package session

import (
	"fmt"

	"github.com/carlink-io/carlink/helpers"
	"github.com/carlink-io/carlink/protocol"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventMessage           // raw received token: acks, unrecognized structured messages
	EventStatus            // connection status changed
	EventSensor            // telemetry snapshot updated
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventStatus:
		return "status"
	case EventSensor:
		return "sensor"
	}
	return "invalid"
}

type Event struct {
	Err       error          // EventStatus: disconnect cause, nil on connect
	Snapshot  Snapshot       // EventSensor
	Token     protocol.Token // EventMessage
	Kind      EventKind
	Connected bool // EventStatus
}

func (e Event) String() string {
	switch e.Kind {
	case EventStatus:
		return fmt.Sprintf("session.Event(status connected=%t err=%v)", e.Connected, e.Err)
	case EventSensor:
		return fmt.Sprintf("session.Event(sensor distance=%d line=%t/%t/%t)",
			e.Snapshot.Distance, e.Snapshot.LineLeft, e.Snapshot.LineMiddle, e.Snapshot.LineRight)
	case EventMessage:
		return fmt.Sprintf("session.Event(message %s)", e.Token)
	}
	return "session.Event(invalid)"
}

// Subscribe registers fn for all session events. Callbacks run
// sequentially in token-processing order, never concurrently; they must
// not block for long. There is no unsubscribe, matching the lifetime of
// the collaborators (UI, telemetry) this serves.
func (s *Session) Subscribe(fn func(Event)) {
	helpers.WithLock(&s.subMu, func() { s.subs = append(s.subs, fn) })
}

func (s *Session) fire(e Event) {
	var fns []func(Event)
	helpers.WithLock(&s.subMu, func() {
		fns = make([]func(Event), len(s.subs))
		copy(fns, s.subs)
	})

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
