package session

import (
	"sync/atomic"

	"github.com/carlink-io/carlink/protocol"
)

// LineThreshold: raw analog values below this mean a dark surface,
// i.e. line detected.
const LineThreshold = 500

// Correlator resolves the ambiguous {seq_value} wire token. The car uses
// the same encoding for line-sensor analog values and ultrasonic
// centimeters, with no type tag; the only disambiguation is the memory
// of which sensor was asked last.
//
// pending is a single slot: the line sensor index most recently
// requested, or -1. It is consumed by exactly one reading.
type Correlator struct {
	pending int32
	tm      *Telemetry
}

func newCorrelator(tm *Telemetry) *Correlator {
	c := &Correlator{tm: tm}
	atomic.StoreInt32(&c.pending, -1)
	return c
}

// ExpectLine arms the correlator: the next numeric reading belongs to
// line sensor 0..2.
func (c *Correlator) ExpectLine(sensor int) {
	atomic.StoreInt32(&c.pending, int32(sensor))
}

func (c *Correlator) ClearPending() {
	atomic.StoreInt32(&c.pending, -1)
}

func (c *Correlator) Pending() (int, bool) {
	p := atomic.LoadInt32(&c.pending)
	return int(p), p >= 0
}

// Resolve consumes one correlated numeric token: a pending line request
// claims it (thresholded), otherwise it is an ultrasonic distance.
func (c *Correlator) Resolve(value int) {
	p := atomic.SwapInt32(&c.pending, -1)
	if p >= 0 && p <= 2 {
		c.tm.SetLine(int(p), value < LineThreshold)
		return
	}
	c.tm.SetDistance(value)
}

// Absorb applies a structured sensor push, which carries explicit typing
// and bypasses correlation. Returns false for non-sensor opcodes.
func (c *Correlator) Absorb(m *protocol.Message) bool {
	switch protocol.Opcode(m.N) {
	case protocol.OpSonar:
		if m.D1 != nil {
			c.tm.SetDistance(*m.D1)
			return true
		}
	case protocol.OpLine:
		if m.D1 != nil && m.D2 != nil && m.D3 != nil {
			c.tm.SetLines(*m.D1 != 0, *m.D2 != 0, *m.D3 != 0)
			return true
		}
	}
	return false
}
