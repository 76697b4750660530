// Package session manages the long-lived command/telemetry connection to
// the car: outbound command queue, inbound token dispatch, the liveness
// contract and transparent reconnection.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/carlink-io/carlink/helpers"
	"github.com/carlink-io/carlink/log2"
	"github.com/carlink-io/carlink/protocol"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultNetworkTimeout = 15 * time.Second
	DefaultEchoThrottle   = 500 * time.Millisecond
	DefaultHeartbeatWarn  = 10 * time.Second
	DefaultHeartbeatFatal = 30 * time.Second
	DefaultWatchdogTick   = 10 * time.Second
	DefaultModeRefresh    = 5 * time.Second
	DefaultRetryDelay     = 2 * time.Second

	readBufSize = 8 << 10
)

var ErrClosing = fmt.Errorf("closing")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

type Options struct {
	Log    *log2.Log
	Dialer *net.Dialer
	Addr   string // host:port of the car command channel

	DialTimeout    time.Duration
	NetworkTimeout time.Duration // read/write deadline
	EchoThrottle   time.Duration // min interval between heartbeat echoes
	HeartbeatWarn  time.Duration
	HeartbeatFatal time.Duration
	WatchdogTick   time.Duration
	ModeRefresh    time.Duration
	RetryDelay     time.Duration // fixed reconnect delay
}

func (opt *Options) setDefaults() {
	if opt.DialTimeout == 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.EchoThrottle == 0 {
		opt.EchoThrottle = DefaultEchoThrottle
	}
	if opt.HeartbeatWarn == 0 {
		opt.HeartbeatWarn = DefaultHeartbeatWarn
	}
	if opt.HeartbeatFatal == 0 {
		opt.HeartbeatFatal = DefaultHeartbeatFatal
	}
	if opt.WatchdogTick == 0 {
		opt.WatchdogTick = DefaultWatchdogTick
	}
	if opt.ModeRefresh == 0 {
		opt.ModeRefresh = DefaultModeRefresh
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
}

// Session is the facade to the car. One instance per car per process;
// survives connection loss, does not survive Close().
type Session struct { //nolint:maligned
	mu    sync.Mutex // guards conn and duties; serializes state transitions
	alive *alive.Alive
	conn  net.Conn
	// duties groups the per-connection workers: receive, send,
	// liveness watchdog, mode maintenance. Torn down on every
	// disconnect, rebuilt on every connect.
	duties *alive.Alive
	opt    Options
	log    *log2.Log

	state int32  // atomic State
	seq   uint32 // atomic; strictly increasing, never reused
	mode  int32  // atomic; 0..3

	queue *sendQueue

	lastBeat atomic_clock.Clock
	lastEcho atomic_clock.Clock
	firstErr helpers.AtomicError // first disconnect cause, diagnostics only

	tm   *Telemetry
	corr *Correlator

	subMu  sync.Mutex
	emitMu sync.Mutex
	subs   []func(Event)
}

func New(opt Options) (*Session, error) {
	if opt.Addr == "" {
		return nil, errors.NotValidf("session addr empty")
	}
	opt.setDefaults()
	tm := newTelemetry()
	s := &Session{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
		queue: newSendQueue(),
		tm:    tm,
		corr:  newCorrelator(tm),
	}
	return s, nil
}

// Connect dials the car and starts the connection duties. Fails if a
// connect attempt is already underway or the session is connected.
func (s *Session) Connect(ctx context.Context) error {
	if !s.alive.IsRunning() {
		return ErrClosing
	}
	if !atomic.CompareAndSwapInt32(&s.state, int32(StateDisconnected), int32(StateConnecting)) {
		return errors.Errorf("connect: state=%s", s.State())
	}

	conn, err := s.dial(ctx)
	if err != nil {
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		return errors.Annotatef(err, "connect %s", s.opt.Addr)
	}

	s.mu.Lock()
	if !s.alive.IsRunning() {
		s.mu.Unlock()
		_ = conn.Close()
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		return ErrClosing
	}
	s.conn = conn
	s.duties = alive.NewAlive()
	duties := s.duties
	s.lastBeat.SetNow()
	atomic.StoreInt32(&s.state, int32(StateConnected))
	if duties.Add(4) {
		go s.recvLoop(conn, duties)
		go s.sendLoop(conn, duties)
		go s.watchdogLoop(duties)
		go s.modeLoop(duties)
	}
	s.mu.Unlock()

	s.log.Infof("connected %s", conn.RemoteAddr())
	s.fire(Event{Kind: EventStatus, Connected: true})
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialer := s.opt.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: s.opt.DialTimeout}
	}
	conn, err := dialer.DialContext(ctx, "tcp", s.opt.Addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetReadBuffer(readBufSize)
		_ = tcp.SetWriteBuffer(readBufSize)
	}
	return conn, nil
}

// disconnect is the single failure-handling path. Idempotent: the send
// and receive duties may both observe a failure, only the first caller
// runs the teardown and schedules reconnection.
func (s *Session) disconnect(cause error) {
	s.mu.Lock()
	if State(atomic.LoadInt32(&s.state)) != StateConnected {
		s.mu.Unlock()
		return
	}
	atomic.StoreInt32(&s.state, int32(StateDisconnected))
	conn, duties := s.conn, s.duties
	s.conn, s.duties = nil, nil
	s.mu.Unlock()

	duties.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	s.corr.ClearPending()
	s.firstErr.StoreOnce(cause)
	s.log.Errorf("disconnected cause=%v", cause)
	s.fire(Event{Kind: EventStatus, Connected: false, Err: cause})

	if s.alive.Add(1) {
		go s.reconnectLoop()
	}
}

// reconnectLoop retries the full connect sequence at a fixed interval,
// forever, until it succeeds or the session closes.
func (s *Session) reconnectLoop() {
	defer s.alive.Done()
	b := helpers.Backoff{Min: s.opt.RetryDelay, Max: s.opt.RetryDelay, K: 1}
	b.Failure()
	for s.alive.IsRunning() {
		if !s.sleep(b.DelayBefore()) {
			return
		}
		err := s.Connect(context.Background())
		if err == nil {
			return
		}
		if State(atomic.LoadInt32(&s.state)) != StateDisconnected {
			return // a concurrent Connect() won the race
		}
		s.log.Errorf("reconnect: %v", err)
		b.Failure()
	}
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.alive.IsRunning()
	}
	select {
	case <-time.After(d):
		return true
	case <-s.alive.StopChan():
		return false
	}
}

// Close cancels all duties, waits briefly for their exit and releases
// the transport. The session is not reusable after Close.
func (s *Session) Close() error {
	s.alive.Stop()

	s.mu.Lock()
	wasConnected := State(atomic.LoadInt32(&s.state)) == StateConnected
	atomic.StoreInt32(&s.state, int32(StateDisconnected))
	conn, duties := s.conn, s.duties
	s.conn, s.duties = nil, nil
	s.mu.Unlock()

	if duties != nil {
		duties.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if duties != nil {
		select {
		case <-duties.WaitChan():
		case <-time.After(s.opt.NetworkTimeout):
			s.log.Errorf("close: duties did not exit in %s", s.opt.NetworkTimeout)
		}
	}
	s.alive.Wait()
	if wasConnected {
		s.fire(Event{Kind: EventStatus, Connected: false, Err: ErrClosing})
	}
	return nil
}

func (s *Session) State() State    { return State(atomic.LoadInt32(&s.state)) }
func (s *Session) Connected() bool { return s.State() == StateConnected }

// FirstError returns the cause of the first connection loss, if any.
func (s *Session) FirstError() (error, bool) { return s.firstErr.Load() }

// Telemetry returns the latest sensor snapshot. Check the Valid methods
// for freshness.
func (s *Session) Telemetry() Snapshot { return s.tm.Snapshot() }

// Submit serializes and enqueues a command, assigning a sequence number
// to acknowledgable commands. While disconnected it drops the command
// with a logged notice: queuing across reconnects would replay stale
// motion commands.
func (s *Session) Submit(c protocol.Command) bool {
	if !s.Connected() {
		s.log.Infof("submit rejected, disconnected: op=%d", c.Op)
		return false
	}
	return s.enqueue(c)
}

// SubmitRaw enqueues a pre-serialized payload verbatim.
func (s *Session) SubmitRaw(payload []byte) bool {
	if !s.Connected() {
		s.log.Infof("submit rejected, disconnected")
		return false
	}
	s.queue.Push(payload)
	return true
}

func (s *Session) enqueue(c protocol.Command) bool {
	var seq uint32
	if c.Ack {
		seq = atomic.AddUint32(&s.seq, 1)
	}
	b, err := c.Marshal(seq)
	if err != nil {
		s.log.Errorf("marshal op=%d: %v", c.Op, err)
		return false
	}
	s.queue.Push(b)
	return true
}

// SwitchMode selects the car's autonomous mode 0..3. Mode 0 (manual) is
// expressed as the clear/unlock command; non-manual modes are re-asserted
// periodically because the car does not persist them.
func (s *Session) SwitchMode(mode int) error {
	if mode < 0 || mode > 3 {
		return errors.NotValidf("mode=%d", mode)
	}
	atomic.StoreInt32(&s.mode, int32(mode))
	var cmd protocol.Command
	if mode == protocol.ModeManual {
		cmd = protocol.Clear()
	} else {
		cmd, _ = protocol.ModeSwitch(mode)
	}
	s.Submit(cmd)
	return nil
}

func (s *Session) Mode() int { return int(atomic.LoadInt32(&s.mode)) }

// RequestLine asks the car for one line sensor's analog value and arms
// the correlator to claim the next numeric reading.
func (s *Session) RequestLine(sensor int) error {
	cmd, err := protocol.LineRequest(sensor)
	if err != nil {
		return err
	}
	s.corr.ExpectLine(sensor)
	if !s.Submit(cmd) {
		s.corr.ClearPending()
	}
	return nil
}

func (s *Session) RequestSonar(mode int) error {
	cmd, err := protocol.SonarRequest(mode)
	if err != nil {
		return err
	}
	s.Submit(cmd)
	return nil
}
