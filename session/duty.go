package session

import (
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/carlink-io/carlink/helpers"
	"github.com/carlink-io/carlink/protocol"
)

// recvLoop reads the socket, feeds the decoder and dispatches tokens.
// A zero-byte read (EOF) is a graceful remote close; any read error is
// connection loss.
func (s *Session) recvLoop(conn net.Conn, duties *alive.Alive) {
	defer duties.Done()
	dec := &protocol.Decoder{}
	buf := make([]byte, readBufSize)
	for duties.IsRunning() {
		_ = conn.SetReadDeadline(time.Now().Add(s.opt.NetworkTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				tok, ok := dec.Next()
				if !ok {
					break
				}
				s.handleToken(tok)
			}
		}
		if err != nil {
			if !duties.IsRunning() {
				return
			}
			s.disconnect(errors.Annotate(err, "recv"))
			return
		}
	}
}

func (s *Session) handleToken(tok protocol.Token) {
	switch tok.Kind {
	case protocol.KindHeartbeat:
		s.lastBeat.SetNow()
		// echo keeps the car from closing the connection; throttled
		// in case a burst of heartbeats arrives in one read
		if atomic_clock.Since(&s.lastEcho) >= s.opt.EchoThrottle {
			s.lastEcho.SetNow()
			s.queue.Push([]byte(protocol.HeartbeatToken))
		}

	case protocol.KindValue:
		s.log.Debugf("recv %s", tok)
		s.corr.Resolve(tok.Value)
		s.fire(Event{Kind: EventSensor, Snapshot: s.tm.Snapshot()})

	case protocol.KindMessage:
		s.log.Debugf("recv %s", tok)
		if s.corr.Absorb(tok.Msg) {
			s.fire(Event{Kind: EventSensor, Snapshot: s.tm.Snapshot()})
			return
		}
		s.fire(Event{Kind: EventMessage, Token: tok})

	case protocol.KindAck, protocol.KindSeqAck:
		s.log.Debugf("recv %s", tok)
		s.fire(Event{Kind: EventMessage, Token: tok})

	case protocol.KindError:
		s.log.Errorf("car: %s", tok.Text)

	case protocol.KindGarbage:
		s.log.Debugf("drop malformed span %q", tok.Text)
	}
}

// sendLoop is the single queue consumer: one item per iteration,
// written atomically.
func (s *Session) sendLoop(conn net.Conn, duties *alive.Alive) {
	defer duties.Done()
	for {
		b, ok := s.queue.Pop(duties.StopChan())
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.opt.NetworkTimeout))
		if err := helpers.WriteAll(conn, b); err != nil {
			if duties.IsRunning() {
				s.disconnect(errors.Annotate(err, "send"))
			}
			return
		}
		s.log.Debugf("sent %s", b)
	}
}

// watchdogLoop enforces the liveness contract: warn on moderate
// heartbeat silence, force disconnection on prolonged silence.
func (s *Session) watchdogLoop(duties *alive.Alive) {
	defer duties.Done()
	tick := time.NewTicker(s.opt.WatchdogTick)
	defer tick.Stop()
	for {
		select {
		case <-duties.StopChan():
			return
		case <-tick.C:
		}
		since := atomic_clock.Since(&s.lastBeat)
		if since > s.opt.HeartbeatFatal {
			s.disconnect(errors.Errorf("heartbeat silence %s", since))
			return
		}
		if since > s.opt.HeartbeatWarn {
			s.log.Infof("warning: heartbeat silence %s", since)
		}
	}
}

// modeLoop re-asserts non-manual modes; the car drops autonomous state
// unless refreshed.
func (s *Session) modeLoop(duties *alive.Alive) {
	defer duties.Done()
	select {
	case <-duties.StopChan():
		return
	case <-time.After(s.opt.ModeRefresh):
	}
	tick := time.NewTicker(s.opt.ModeRefresh)
	defer tick.Stop()
	for {
		s.refreshMode()
		select {
		case <-duties.StopChan():
			return
		case <-tick.C:
		}
	}
}

func (s *Session) refreshMode() {
	m := s.Mode()
	if m == protocol.ModeManual {
		return
	}
	cmd, err := protocol.ModeSwitch(m)
	if err != nil {
		return
	}
	s.enqueue(cmd)
}
