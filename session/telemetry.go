package session

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// FreshWindow: a reading older than this is considered stale.
const FreshWindow = 5 * time.Second

// DistanceUnknown marks an ultrasonic field with no reading yet.
const DistanceUnknown = -1

// Telemetry holds the latest sensor values. Mutated only by the receive
// duty (via the correlator or structured pushes), read by anyone.
// Fields are individually atomic; no cross-field consistency is promised.
type Telemetry struct {
	distance int32
	distAt   atomic_clock.Clock
	line     [3]int32 // left, middle, right; 0/1
	lineAt   atomic_clock.Clock
}

func newTelemetry() *Telemetry {
	t := &Telemetry{}
	atomic.StoreInt32(&t.distance, DistanceUnknown)
	return t
}

func (t *Telemetry) SetDistance(cm int) {
	atomic.StoreInt32(&t.distance, int32(cm))
	t.distAt.SetNow()
}

func (t *Telemetry) SetLine(sensor int, detected bool) {
	if sensor < 0 || sensor > 2 {
		return
	}
	var v int32
	if detected {
		v = 1
	}
	atomic.StoreInt32(&t.line[sensor], v)
	t.lineAt.SetNow()
}

func (t *Telemetry) SetLines(left, middle, right bool) {
	t.SetLine(0, left)
	t.SetLine(1, middle)
	t.SetLine(2, right)
}

func (t *Telemetry) Snapshot() Snapshot {
	return Snapshot{
		Distance:   int(atomic.LoadInt32(&t.distance)),
		DistanceAt: clockTime(&t.distAt),
		LineLeft:   atomic.LoadInt32(&t.line[0]) != 0,
		LineMiddle: atomic.LoadInt32(&t.line[1]) != 0,
		LineRight:  atomic.LoadInt32(&t.line[2]) != 0,
		LineAt:     clockTime(&t.lineAt),
	}
}

// clockTime converts a Clock stamp (monotonic, relative to process start)
// to wall time. A zero stamp maps to time.Unix(0, 0) so UnixNano() == 0
// keeps meaning "never set".
func clockTime(c *atomic_clock.Clock) time.Time {
	if c.IsZero() {
		return time.Unix(0, 0)
	}
	return time.Now().Add(-atomic_clock.Since(c))
}

// Snapshot is a point-in-time copy of Telemetry.
type Snapshot struct {
	DistanceAt time.Time
	LineAt     time.Time
	Distance   int // cm, DistanceUnknown until first reading
	LineLeft   bool
	LineMiddle bool
	LineRight  bool
}

func (s Snapshot) DistanceValid(now time.Time) bool {
	return s.DistanceAt.UnixNano() != 0 && now.Sub(s.DistanceAt) <= FreshWindow
}

func (s Snapshot) LineValid(now time.Time) bool {
	return s.LineAt.UnixNano() != 0 && now.Sub(s.LineAt) <= FreshWindow
}
