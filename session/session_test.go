package session_test

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlink-io/carlink/log2"
	"github.com/carlink-io/carlink/protocol"
	"github.com/carlink-io/carlink/session"
)

// mockCar accepts connections like the vehicle's command channel.
type mockCar struct {
	ln    net.Listener
	conns chan net.Conn
}

func newMockCar(t *testing.T) *mockCar {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &mockCar{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			m.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return m
}

func (m *mockCar) addr() string { return m.ln.Addr().String() }

func (m *mockCar) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-m.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("mock car: no connection")
		return nil
	}
}

func testOptions(t *testing.T, addr string) session.Options {
	return session.Options{
		Addr:         addr,
		Log:          log2.NewTest(t, log2.LDebug),
		EchoThrottle: 150 * time.Millisecond,
		RetryDelay:   50 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, opt session.Options) *session.Session {
	s, err := session.New(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventChan(s *session.Session) <-chan session.Event {
	ch := make(chan session.Event, 64)
	s.Subscribe(func(e session.Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
			return session.Event{}
		}
	}
}

// readFor drains conn until the deadline and returns everything read.
func readFor(t *testing.T, conn net.Conn, d time.Duration) string {
	t.Helper()
	sb := strings.Builder{}
	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	for {
		n, err := conn.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			return sb.String()
		}
	}
}

func TestSubmitDrive(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)
	assert.True(t, s.Connected())

	cmd, err := protocol.Drive(protocol.DirForward, 100)
	require.NoError(t, err)
	require.True(t, s.Submit(cmd))
	got := readFor(t, conn, 300*time.Millisecond)
	assert.Contains(t, got, `{"H":"1","N":2,"D1":3,"D2":100}`)

	require.True(t, s.Submit(protocol.Stop()))
	got = readFor(t, conn, 300*time.Millisecond)
	assert.Contains(t, got, `{"H":"2","N":2,"D1":5,"D2":0,"T":0}`)
}

func TestConnectTwice(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	require.NoError(t, s.Connect(context.Background()))
	car.accept(t)
	assert.Error(t, s.Connect(context.Background()))
}

func TestSubmitWhileDisconnected(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	cmd, err := protocol.Drive(protocol.DirForward, 10)
	require.NoError(t, err)
	assert.False(t, s.Submit(cmd), "command must be dropped while disconnected")
	assert.False(t, s.SubmitRaw([]byte("{ok}")))
	assert.Equal(t, session.StateDisconnected, s.State())
}

func TestHeartbeatEchoThrottled(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)

	// burst of 4 heartbeats in one read: still a single echo
	_, err := conn.Write([]byte(strings.Repeat(protocol.HeartbeatToken, 4)))
	require.NoError(t, err)
	got := readFor(t, conn, 100*time.Millisecond)
	assert.Equal(t, 1, strings.Count(got, protocol.HeartbeatToken))

	// after the throttle window the next heartbeat is echoed again
	time.Sleep(200 * time.Millisecond)
	_, err = conn.Write([]byte(protocol.HeartbeatToken))
	require.NoError(t, err)
	got = readFor(t, conn, 100*time.Millisecond)
	assert.Equal(t, 1, strings.Count(got, protocol.HeartbeatToken))
}

func TestDisconnectOnceAndReconnect(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	events := eventChan(s)
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)
	e := waitEvent(t, events, session.EventStatus)
	require.True(t, e.Connected)

	// remote close: receive duty sees EOF, send duty may also fail;
	// exactly one disconnect must be observed
	require.NoError(t, conn.Close())
	downs := 0
	for {
		e = waitEvent(t, events, session.EventStatus)
		if e.Connected {
			break
		}
		downs++
	}
	assert.Equal(t, 1, downs, "disconnect handling must run exactly once")
	car.accept(t) // reconnected after the fixed retry delay
	assert.True(t, s.Connected())
}

func TestWatchdogForcesDisconnect(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	opt := testOptions(t, car.addr())
	opt.WatchdogTick = 20 * time.Millisecond
	opt.HeartbeatFatal = 60 * time.Millisecond
	opt.HeartbeatWarn = 30 * time.Millisecond
	opt.RetryDelay = time.Hour // keep the test to a single cycle
	s := newTestSession(t, opt)
	events := eventChan(s)
	require.NoError(t, s.Connect(context.Background()))
	car.accept(t)
	waitEvent(t, events, session.EventStatus) // connected

	e := waitEvent(t, events, session.EventStatus)
	assert.False(t, e.Connected)
	require.Error(t, e.Err)
	assert.Contains(t, e.Err.Error(), "heartbeat silence")
}

func TestSensorFlow(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	events := eventChan(s)
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)

	require.NoError(t, s.RequestLine(1))
	got := readFor(t, conn, 200*time.Millisecond)
	assert.Contains(t, got, `{"N":22,"D1":1}`)

	_, err := conn.Write([]byte("{1_200}"))
	require.NoError(t, err)
	e := waitEvent(t, events, session.EventSensor)
	assert.True(t, e.Snapshot.LineMiddle)
	assert.Equal(t, session.DistanceUnknown, e.Snapshot.Distance)

	// no pending request anymore: same token shape is a distance
	_, err = conn.Write([]byte("{9_42}"))
	require.NoError(t, err)
	e = waitEvent(t, events, session.EventSensor)
	assert.Equal(t, 42, e.Snapshot.Distance)
	assert.True(t, e.Snapshot.LineMiddle, "line state kept")

	// structured push overwrites all three line fields at once
	_, err = conn.Write([]byte(`{"N":22,"D1":1,"D2":0,"D3":0}`))
	require.NoError(t, err)
	e = waitEvent(t, events, session.EventSensor)
	assert.True(t, e.Snapshot.LineLeft)
	assert.False(t, e.Snapshot.LineMiddle)

	sn := s.Telemetry()
	assert.Equal(t, 42, sn.Distance)
	assert.True(t, sn.DistanceValid(time.Now()))
}

func TestAckSurfacesAsMessage(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	events := eventChan(s)
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)

	_, err := conn.Write([]byte(`{"N":}{3_ok}`)) // malformed span, then ack
	require.NoError(t, err)
	e := waitEvent(t, events, session.EventMessage)
	assert.Equal(t, protocol.KindSeqAck, e.Token.Kind)
	assert.Equal(t, uint32(3), e.Token.Seq)
}

func TestModeRefresh(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	opt := testOptions(t, car.addr())
	opt.ModeRefresh = 40 * time.Millisecond
	s := newTestSession(t, opt)
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)

	require.NoError(t, s.SwitchMode(protocol.ModeObstacleAvoid))
	assert.Equal(t, protocol.ModeObstacleAvoid, s.Mode())
	got := readFor(t, conn, 250*time.Millisecond)
	assert.GreaterOrEqual(t, strings.Count(got, `{"N":101,"D1":2}`), 2,
		"non-manual mode must be re-asserted periodically")

	require.NoError(t, s.SwitchMode(protocol.ModeManual))
	got = readFor(t, conn, 150*time.Millisecond)
	assert.Contains(t, got, `{"N":100}`)

	assert.Error(t, s.SwitchMode(4))
	assert.Error(t, s.SwitchMode(-1))
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)

	const workers, each = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				cmd, err := protocol.Drive(protocol.DirForward, 1)
				assert.NoError(t, err)
				assert.True(t, s.Submit(cmd))
			}
		}()
	}
	wg.Wait()

	got := readFor(t, conn, 500*time.Millisecond)
	seen := map[int]bool{}
	for _, m := range regexp.MustCompile(`"H":"(\d+)"`).FindAllStringSubmatch(got, -1) {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		assert.False(t, seen[n], "sequence %d reused", n)
		seen[n] = true
	}
	require.Len(t, seen, workers*each)
	for n := 1; n <= workers*each; n++ {
		assert.True(t, seen[n], "sequence %d missing", n)
	}
}

func TestCloseStopsDuties(t *testing.T) {
	t.Parallel()
	car := newMockCar(t)
	s := newTestSession(t, testOptions(t, car.addr()))
	require.NoError(t, s.Connect(context.Background()))
	conn := car.accept(t)
	require.NoError(t, s.Close())
	assert.False(t, s.Connected())

	// remote observes the close; no reconnect after dispose
	readFor(t, conn, 200*time.Millisecond)
	select {
	case <-car.conns:
		t.Fatal("session reconnected after Close")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, session.ErrClosing, s.Connect(context.Background()))
}
