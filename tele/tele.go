// Package tele publishes car status and sensor snapshots to an MQTT
// broker for dashboards and remote monitoring.
//
// Contract:
// - Init() fails only with invalid config; broker issues are retried in background
// - State/Sensor never block the caller; messages may be dropped under backpressure
// - Close() stops background delivery
package tele

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/carlink-io/carlink/log2"
	"github.com/carlink-io/carlink/session"
)

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	CarID             string `hcl:"car_id"`
	LogDebug          bool   `hcl:"log_debug"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
}

type statusPayload struct {
	Connected bool  `json:"connected"`
	Time      int64 `json:"t"`
}

type sensorPayload struct {
	DistanceCM int     `json:"distance_cm"`
	DistanceAt int64   `json:"distance_at"`
	Line       [3]bool `json:"line"` // left, middle, right
	LineAt     int64   `json:"line_at"`
}

type message struct {
	payload []byte
	status  bool
}

// Teler is what the rest of the system sees; swap in Noop when
// telemetry is unwanted without touching call sites.
type Teler interface {
	Init(log *log2.Log, c Config) error
	Attach(s *session.Session)
	State(connected bool)
	Sensor(sn session.Snapshot)
	Close()
}

var _ Teler = (*Tele)(nil)
var _ Teler = Noop{}

type Noop struct{}

func (Noop) Init(*log2.Log, Config) error { return nil }
func (Noop) Attach(*session.Session)      {}
func (Noop) State(bool)                   {}
func (Noop) Sensor(session.Snapshot)      {}
func (Noop) Close()                       {}

type Tele struct {
	log       *log2.Log
	transport Transporter
	alive     *alive.Alive
	ch        chan message
	enabled   bool
}

// New with transport=nil uses the MQTT transport.
func New(transport Transporter) *Tele {
	if transport == nil {
		transport = &transportMqtt{}
	}
	return &Tele{transport: transport}
}

func (t *Tele) Init(log *log2.Log, c Config) error {
	t.enabled = c.Enabled
	t.log = log.Clone(log2.LInfo)
	if c.LogDebug {
		t.log.SetLevel(log2.LDebug)
	}
	if !t.enabled {
		return nil
	}
	if c.CarID == "" {
		return errors.NotValidf("tele config car_id empty")
	}

	will, _ := json.Marshal(statusPayload{Connected: false, Time: time.Now().Unix()})
	if err := t.transport.Init(t.log, c, will); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	t.alive = alive.NewAlive()
	t.ch = make(chan message, 32)
	if t.alive.Add(1) {
		go t.worker()
	}
	return nil
}

// Attach wires the telemetry to a session's event stream.
func (t *Tele) Attach(s *session.Session) {
	s.Subscribe(func(e session.Event) {
		switch e.Kind {
		case session.EventStatus:
			t.State(e.Connected)
		case session.EventSensor:
			t.Sensor(e.Snapshot)
		}
	})
}

func (t *Tele) State(connected bool) {
	b, _ := json.Marshal(statusPayload{Connected: connected, Time: time.Now().Unix()})
	t.push(message{payload: b, status: true})
}

func (t *Tele) Sensor(sn session.Snapshot) {
	b, _ := json.Marshal(sensorPayload{
		DistanceCM: sn.Distance,
		DistanceAt: sn.DistanceAt.Unix(),
		Line:       [3]bool{sn.LineLeft, sn.LineMiddle, sn.LineRight},
		LineAt:     sn.LineAt.Unix(),
	})
	t.push(message{payload: b})
}

func (t *Tele) push(m message) {
	if !t.enabled {
		return
	}
	select {
	case t.ch <- m:
	default:
		t.log.Debugf("tele drop message, delivery is behind")
	}
}

func (t *Tele) worker() {
	defer t.alive.Done()
	for {
		select {
		case <-t.alive.StopChan():
			return
		case m := <-t.ch:
			var ok bool
			if m.status {
				ok = t.transport.SendStatus(m.payload)
			} else {
				ok = t.transport.SendSensor(m.payload)
			}
			if !ok {
				t.log.Debugf("tele send failed payload=%s", m.payload)
			}
		}
	}
}

func (t *Tele) Close() {
	if !t.enabled {
		return
	}
	t.alive.Stop()
	t.alive.Wait()
	t.transport.Close()
}
