// Command car-cli is an interactive shell to drive the car and watch
// its telemetry from a terminal. Also accepts piped scripts on stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/carlink-io/carlink/config"
	"github.com/carlink-io/carlink/helpers/cli"
	"github.com/carlink-io/carlink/log2"
	"github.com/carlink-io/carlink/protocol"
	"github.com/carlink-io/carlink/session"
	"github.com/carlink-io/carlink/tele"
)

const usage = `syntax: one command per line
(drive)
- drive <left|right|forward|back> <speed 0..255>   continuous
- drive <dir> <speed> <ms>                         timed burst
- stop
- motor <1|2> <speed> <dir>    single motor
- speeds <left> <right>        differential speeds
- servo <id> <angle 0..180>
- cam <up|down|left|right|center>

(autonomy)
- mode <manual|line|avoid|follow>

(sensors)
- sonar          request distance reading
- line <0|1|2>   request line sensor (left|middle|right)
- snap           print last telemetry snapshot

(meta)
- raw <payload>  send payload verbatim
- status         connection state
- log=yes|log=no toggle debug logging
- sN             pause N milliseconds
- help
`

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "", "path to carlink.hcl")
	addr := cmdline.String("addr", "192.168.4.1:100", "car address host:port, ignored with -config")
	events := cmdline.Bool("events", true, "print inbound events")
	cmdline.Parse(os.Args[1:]) //nolint:errcheck

	log.SetFlags(log2.LInteractiveFlags)

	opt := session.Options{Addr: *addr, Log: log}
	var teler tele.Teler = tele.Noop{}
	if *configPath != "" {
		c, err := config.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("%s", errors.ErrorStack(err))
		}
		opt = c.SessionOptions()
		opt.Log = log
		if c.Car.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		teler = tele.New(nil)
		if err := teler.Init(log, c.Tele); err != nil {
			log.Fatalf("%s", errors.ErrorStack(err))
		}
	}

	s, err := session.New(opt)
	if err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
	teler.Attach(s)
	if *events {
		s.Subscribe(func(e session.Event) {
			switch e.Kind {
			case session.EventStatus:
				log.Infof("< connected=%t err=%v", e.Connected, e.Err)
			case session.EventSensor:
				log.Infof("< sensor %s", formatSnapshot(e.Snapshot))
			case session.EventMessage:
				log.Infof("< %s", e.Token)
			}
		})
	}

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		// session keeps reconnecting in background
		log.Errorf("connect addr=%s err=%v", opt.Addr, err)
	}

	stop := func() {
		_ = s.Close()
		teler.Close()
	}
	cli.MainLoop("carlink", newExecutor(s), newCompleter(), stop)
	stop()
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "drive", Description: "drive <dir> <speed> [ms]"},
		{Text: "stop", Description: "stop all motors"},
		{Text: "motor", Description: "motor <1|2> <speed> <dir>"},
		{Text: "speeds", Description: "speeds <left> <right>"},
		{Text: "servo", Description: "servo <id> <angle>"},
		{Text: "cam", Description: "cam <up|down|left|right|center>"},
		{Text: "mode", Description: "mode <manual|line|avoid|follow>"},
		{Text: "sonar", Description: "request distance"},
		{Text: "line", Description: "line <0|1|2>"},
		{Text: "snap", Description: "print telemetry snapshot"},
		{Text: "raw", Description: "send payload verbatim"},
		{Text: "status", Description: "connection state"},
		{Text: "help", Description: "show usage"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(s *session.Session) func(string) {
	return func(line string) {
		if err := execLine(s, line); err != nil {
			log.Errorf(errors.ErrorStack(err))
		}
	}
}

func execLine(s *session.Session, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	word, args := words[0], words[1:]
	switch {
	case word == "help":
		log.Infof(usage)
		return nil
	case word == "log=yes":
		log.SetLevel(log2.LDebug)
		return nil
	case word == "log=no":
		log.SetLevel(log2.LError)
		return nil
	case word == "status":
		log.Infof("state=%s mode=%d", s.State(), s.Mode())
		if e, ok := s.FirstError(); ok {
			log.Infof("first failure: %v", e)
		}
		return nil
	case word == "snap":
		log.Infof("%s", formatSnapshot(s.Telemetry()))
		return nil
	case word == "sonar":
		return s.RequestSonar(1)
	case word == "line":
		sensor, err := parseArgs(args, 1)
		if err != nil {
			return err
		}
		return s.RequestLine(sensor[0])
	case word == "mode":
		if len(args) != 1 {
			return errors.Errorf("mode wants one argument")
		}
		mode, err := parseMode(args[0])
		if err != nil {
			return err
		}
		return s.SwitchMode(mode)
	case word == "raw":
		payload := strings.TrimSpace(strings.TrimPrefix(line, "raw"))
		if payload == "" {
			return errors.Errorf("raw wants a payload")
		}
		return submit(s, protocol.Command{}, []byte(payload))
	case word[0] == 's' && len(word) > 1 && word[1] >= '0' && word[1] <= '9':
		ms, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return errors.Annotatef(err, "word=%s", word)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return nil
	}

	cmd, err := parseCommand(word, args)
	if err != nil {
		return err
	}
	return submit(s, cmd, nil)
}

func submit(s *session.Session, cmd protocol.Command, raw []byte) error {
	var ok bool
	if raw != nil {
		ok = s.SubmitRaw(raw)
	} else {
		ok = s.Submit(cmd)
	}
	if !ok {
		return errors.Errorf("not connected, command dropped")
	}
	return nil
}

func parseCommand(word string, args []string) (protocol.Command, error) {
	switch word {
	case "drive":
		if len(args) < 2 || len(args) > 3 {
			return protocol.Command{}, errors.Errorf("drive wants 2 or 3 arguments")
		}
		dir, err := parseDirection(args[0])
		if err != nil {
			return protocol.Command{}, err
		}
		rest, err := parseArgs(args[1:], len(args)-1)
		if err != nil {
			return protocol.Command{}, err
		}
		if len(rest) == 2 {
			return protocol.DriveTimed(dir, rest[0], time.Duration(rest[1])*time.Millisecond)
		}
		return protocol.Drive(dir, rest[0])
	case "stop":
		return protocol.Stop(), nil
	case "motor":
		a, err := parseArgs(args, 3)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.Motor(a[0], a[1], a[2])
	case "speeds":
		a, err := parseArgs(args, 2)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.MotorSpeeds(a[0], a[1])
	case "servo":
		a, err := parseArgs(args, 2)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.Servo(a[0], a[1])
	case "cam":
		if len(args) != 1 {
			return protocol.Command{}, errors.Errorf("cam wants one argument")
		}
		dir, err := parseCamDirection(args[0])
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.Camera(dir)
	}
	return protocol.Command{}, errors.Errorf("invalid command: '%s', try help", word)
}

func parseArgs(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, errors.Errorf("expected %d numeric arguments, got %d", n, len(args))
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, errors.Annotatef(err, "arg=%s", a)
		}
		out[i] = v
	}
	return out, nil
}

func parseDirection(s string) (int, error) {
	switch s {
	case "left":
		return protocol.DirTurnLeft, nil
	case "right":
		return protocol.DirTurnRight, nil
	case "forward", "fwd":
		return protocol.DirForward, nil
	case "back", "backward":
		return protocol.DirBackward, nil
	}
	return 0, errors.Errorf("invalid direction: '%s'", s)
}

func parseCamDirection(s string) (int, error) {
	switch s {
	case "up":
		return protocol.CamUp, nil
	case "down":
		return protocol.CamDown, nil
	case "left":
		return protocol.CamLeft, nil
	case "right":
		return protocol.CamRight, nil
	case "center":
		return protocol.CamCenter, nil
	}
	return 0, errors.Errorf("invalid camera direction: '%s'", s)
}

func parseMode(s string) (int, error) {
	switch s {
	case "manual":
		return protocol.ModeManual, nil
	case "line":
		return protocol.ModeLineFollow, nil
	case "avoid":
		return protocol.ModeObstacleAvoid, nil
	case "follow":
		return protocol.ModeFollow, nil
	}
	return 0, errors.Errorf("invalid mode: '%s'", s)
}

func formatSnapshot(sn session.Snapshot) string {
	now := time.Now()
	dist := "?"
	if sn.DistanceValid(now) {
		dist = fmt.Sprintf("%dcm", sn.Distance)
	}
	lines := "?"
	if sn.LineValid(now) {
		lines = fmt.Sprintf("%t/%t/%t", sn.LineLeft, sn.LineMiddle, sn.LineRight)
	}
	return fmt.Sprintf("distance=%s line(l/m/r)=%s", dist, lines)
}
