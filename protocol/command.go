// Package protocol implements the car's wire vocabulary: outbound JSON
// command payloads and the incremental decoder for the mixed inbound
// stream (heartbeat literal, acks, correlated readings, JSON, error text).
package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
)

type Opcode int

const (
	OpMotor  Opcode = 1   // single motor: D1=motor D2=speed D3=direction
	OpDrive  Opcode = 2   // D1=direction D2=speed [T=ms]
	OpSpeeds Opcode = 4   // differential: D1=left D2=right
	OpServo  Opcode = 5   // D1=servo D2=angle
	OpSonar  Opcode = 21  // request/push: D1=mode / D1=distance cm
	OpLine   Opcode = 22  // request/push: D1=sensor / D1,D2,D3=left,middle,right
	OpClear  Opcode = 100 // clear autonomous state, unlock motors
	OpMode   Opcode = 101 // D1=mode 1..3
	OpCamera Opcode = 106 // D1=direction 1..5
)

// Drive directions, D1 of OpDrive.
const (
	DirTurnLeft  = 1
	DirTurnRight = 2
	DirForward   = 3
	DirBackward  = 4
	dirStop      = 5
)

// Camera rotation directions, D1 of OpCamera.
const (
	CamUp     = 1
	CamDown   = 2
	CamLeft   = 3
	CamRight  = 4
	CamCenter = 5
)

// Autonomous modes, D1 of OpMode. ModeManual is expressed as OpClear.
const (
	ModeManual        = 0
	ModeLineFollow    = 1
	ModeObstacleAvoid = 2
	ModeFollow        = 3
)

// Message is the flat JSON structure shared by outbound commands and
// inbound structured messages. Parameter fields are pointers to tell
// "absent" from zero values on the wire.
type Message struct {
	H  string `json:"H,omitempty"`
	N  int    `json:"N"`
	D1 *int   `json:"D1,omitempty"`
	D2 *int   `json:"D2,omitempty"`
	D3 *int   `json:"D3,omitempty"`
	T  *int64 `json:"T,omitempty"`
}

// Command is an immutable, validated car operation.
// Build with the constructors below, serialize with Marshal.
type Command struct {
	Op     Opcode
	Params []int // D1..D3 in order
	Dur    time.Duration
	HasDur bool
	// Ack marks commands the car confirms with {seq_ok}; the session
	// assigns the sequence number at enqueue time.
	Ack bool
}

func Drive(direction, speed int) (Command, error) {
	if direction < 1 || direction > 4 {
		return Command{}, errors.NotValidf("drive direction=%d", direction)
	}
	if err := checkSpeed(speed); err != nil {
		return Command{}, err
	}
	return Command{Op: OpDrive, Params: []int{direction, speed}, Ack: true}, nil
}

func DriveTimed(direction, speed int, d time.Duration) (Command, error) {
	c, err := Drive(direction, speed)
	if err != nil {
		return Command{}, err
	}
	c.Dur = d
	c.HasDur = true
	return c, nil
}

// Stop is OpDrive with the fixed stop encoding: direction=5 speed=0 duration=0.
func Stop() Command {
	return Command{Op: OpDrive, Params: []int{dirStop, 0}, HasDur: true, Ack: true}
}

func Motor(motor, speed, direction int) (Command, error) {
	if motor < 0 || motor > 2 {
		return Command{}, errors.NotValidf("motor=%d", motor)
	}
	if err := checkSpeed(speed); err != nil {
		return Command{}, err
	}
	if direction != 1 && direction != 2 {
		return Command{}, errors.NotValidf("motor direction=%d", direction)
	}
	return Command{Op: OpMotor, Params: []int{motor, speed, direction}, Ack: true}, nil
}

func MotorSpeeds(left, right int) (Command, error) {
	if err := checkSpeed(left); err != nil {
		return Command{}, err
	}
	if err := checkSpeed(right); err != nil {
		return Command{}, err
	}
	return Command{Op: OpSpeeds, Params: []int{left, right}, Ack: true}, nil
}

func Servo(servo, angle int) (Command, error) {
	if servo != 1 && servo != 2 {
		return Command{}, errors.NotValidf("servo=%d", servo)
	}
	if angle < 0 || angle > 180 {
		return Command{}, errors.NotValidf("servo angle=%d", angle)
	}
	return Command{Op: OpServo, Params: []int{servo, angle}, Ack: true}, nil
}

func Camera(direction int) (Command, error) {
	if direction < 1 || direction > 5 {
		return Command{}, errors.NotValidf("camera direction=%d", direction)
	}
	return Command{Op: OpCamera, Params: []int{direction}}, nil
}

// ModeSwitch selects an autonomous mode 1..3.
// ModeManual (0) is not a mode-switch payload, use Clear().
func ModeSwitch(mode int) (Command, error) {
	if mode < 1 || mode > 3 {
		return Command{}, errors.NotValidf("mode=%d", mode)
	}
	return Command{Op: OpMode, Params: []int{mode}}, nil
}

func Clear() Command { return Command{Op: OpClear} }

func SonarRequest(mode int) (Command, error) {
	if mode != 1 && mode != 2 {
		return Command{}, errors.NotValidf("sonar mode=%d", mode)
	}
	return Command{Op: OpSonar, Params: []int{mode}}, nil
}

func LineRequest(sensor int) (Command, error) {
	if sensor < 0 || sensor > 2 {
		return Command{}, errors.NotValidf("line sensor=%d", sensor)
	}
	return Command{Op: OpLine, Params: []int{sensor}}, nil
}

func checkSpeed(speed int) error {
	if speed < 0 || speed > 255 {
		return errors.NotValidf("speed=%d", speed)
	}
	return nil
}

// Marshal emits the JSON wire payload. seq is embedded as decimal text
// in H for Ack commands and ignored otherwise.
func (c Command) Marshal(seq uint32) ([]byte, error) {
	if len(c.Params) > 3 {
		return nil, errors.NotValidf("params=%d", len(c.Params))
	}
	m := Message{N: int(c.Op)}
	if c.Ack {
		m.H = strconv.FormatUint(uint64(seq), 10)
	}
	ds := [3]**int{&m.D1, &m.D2, &m.D3}
	for i := range c.Params {
		v := c.Params[i]
		*ds[i] = &v
	}
	if c.HasDur {
		t := c.Dur.Milliseconds()
		m.T = &t
	}
	b, err := json.Marshal(&m)
	return b, errors.Trace(err)
}
