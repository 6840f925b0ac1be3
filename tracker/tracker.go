/*Package tracker maintains the device-side state of one stepper axis: the
cumulative signed step count, the pulse train for the command in flight, and
the bounded snapshot buffer that is periodically persisted so the count
survives a crash or power loss.

The state machine per axis is IDLE -> MOVING -> (DISABLED | reversal in
place) -> IDLE.  Persistence is best-effort; a failed write is reported and
swallowed, because losing a log entry must never stop the physical motor
control loop.
*/
package tracker

import (
	"log"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/gpio"
	"github.com/EIGSEP/eigsep-motor-control/pulse"
)

// State is the lifecycle state of an axis.
type State int

// Axis states.
const (
	Idle State = iota
	Moving
	Disabled
)

// DefaultSaveSize is the number of step-count snapshots buffered between
// flushes to disk.
const DefaultSaveSize = 1000

// Pins identifies the microstep driver inputs for one axis and the levels
// that select each rotation direction.
type Pins struct {
	Dir    int
	Pulse  int
	Enable int

	// CW and CCW are the levels written to the direction pin for positive
	// and negative motion respectively.
	CW  gpio.Level
	CCW gpio.Level
}

// Config collects the per-axis construction parameters.
type Config struct {
	// Name is "azimuth" or "elevation"; it tags log files and diagnostics.
	Name string

	Pins Pins

	// Translate converts between platform degrees and pulses.
	Translate pulse.Translator

	// SaveSize is the snapshot buffer capacity; DefaultSaveSize if zero.
	SaveSize int

	// Persist enables step-log persistence.  With Persist false the axis
	// behaves like the ROM-only firmware variants: no files are touched.
	Persist bool

	// LogDir is where step logs live; the working directory if empty.
	LogDir string
}

// Axis owns the pins and counters for one stepper.  It is not concurrent
// safe; the device loop is the only caller.
type Axis struct {
	cfg Config
	drv gpio.Driver

	state   State
	cnt     int
	dir     int
	delay   time.Duration
	target  int
	base    int
	boxMax  int
	buf     []int
	idx     int
	resumed bool
	lastTag int64
}

// New sets up the axis pins and returns the axis in the IDLE state with the
// driver powered off.
func New(drv gpio.Driver, cfg Config) (*Axis, error) {
	if cfg.SaveSize <= 0 {
		cfg.SaveSize = DefaultSaveSize
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "."
	}
	a := &Axis{
		cfg: cfg,
		drv: drv,
		dir: 1,
		buf: make([]int, cfg.SaveSize),
	}
	for _, p := range []int{cfg.Pins.Dir, cfg.Pins.Pulse, cfg.Pins.Enable} {
		if err := drv.SetupPin(p, gpio.Output); err != nil {
			return nil, err
		}
	}
	// enable is active low on the microstep driver
	if err := drv.WritePin(cfg.Pins.Enable, gpio.High); err != nil {
		return nil, err
	}
	if err := drv.WritePin(cfg.Pins.Pulse, gpio.Low); err != nil {
		return nil, err
	}
	return a, nil
}

// MotorCalc prepares the axis for a rotation given in platform degrees:
// resumes the persisted count on first use, computes the pulse target and
// direction, and powers the driver on.  rotation must be nonzero; zero-angle
// requests are the caller's concern.
func (a *Axis) MotorCalc(delay time.Duration, rotation float64) error {
	return a.SetTarget(delay, a.cfg.Translate.Pulses(rotation), a.cfg.Translate.Direction(rotation))
}

// SetTarget is MotorCalc for callers that already hold a pulse count and
// direction, i.e. the command protocol.
func (a *Axis) SetTarget(delay time.Duration, pulses, dir int) error {
	if !a.resumed {
		a.resume()
	}
	a.delay = delay
	a.target = pulses
	// the target is per command; progress is measured from the count at
	// which the command began, not from zero
	a.base = a.cnt
	a.dir = dir
	a.boxMax = a.cfg.Translate.BoxMax()
	if err := a.drv.WritePin(a.cfg.Pins.Enable, gpio.Low); err != nil {
		return err
	}
	a.state = Moving
	return nil
}

func (a *Axis) resume() {
	a.resumed = true
	if !a.cfg.Persist {
		return
	}
	n, err := LoadLast(a.cfg.LogDir, a.cfg.Name)
	if err != nil {
		log.Printf("%s: could not resume step count, %v", a.cfg.Name, err)
		return
	}
	a.cnt = n
	if n != 0 {
		log.Printf("%s: resumed at step %d", a.cfg.Name, n)
	}
}

// Move performs one atomic step: sets the direction pin, adjusts the
// cumulative count, emits one pulse with the configured half-period on each
// edge, and records the new count in the snapshot buffer.  A full buffer is
// flushed to a fresh step log and reset.
func (a *Axis) Move() error {
	switch {
	case a.dir > 0:
		if err := a.drv.WritePin(a.cfg.Pins.Dir, a.cfg.Pins.CW); err != nil {
			return err
		}
		a.cnt++
	case a.dir < 0:
		if err := a.drv.WritePin(a.cfg.Pins.Dir, a.cfg.Pins.CCW); err != nil {
			return err
		}
		a.cnt--
	}

	if err := a.drv.WritePin(a.cfg.Pins.Pulse, gpio.High); err != nil {
		return err
	}
	time.Sleep(a.delay)
	if err := a.drv.WritePin(a.cfg.Pins.Pulse, gpio.Low); err != nil {
		return err
	}
	time.Sleep(a.delay)

	if a.idx < len(a.buf) {
		a.buf[a.idx] = a.cnt
		a.idx++
		if a.idx >= len(a.buf) {
			a.flush(a.buf)
			for i := range a.buf {
				a.buf[i] = 0
			}
			a.idx = 0
		}
	}
	return nil
}

// Check evaluates the termination conditions after a step.  In continuous
// mode the direction flips in place when the platform has wound two full
// rotations one way; motion continues and Check returns false.  In bounded
// mode Check disables the driver and returns true once the command's pulse
// target is reached, measured from where the command started, or the
// cumulative count hits the two-rotation winding bound, whichever comes
// first.
func (a *Axis) Check(continuous bool) bool {
	if continuous {
		if abs(a.cnt) >= 2*a.boxMax {
			a.dir = -a.dir
			log.Printf("%s: reversing", a.cfg.Name)
		}
		return false
	}
	if abs(a.cnt-a.base) >= a.target || abs(a.cnt) >= 2*a.boxMax {
		a.disable()
		log.Printf("%s: disabled", a.cfg.Name)
		return true
	}
	return false
}

func (a *Axis) disable() {
	if err := a.drv.WritePin(a.cfg.Pins.Pulse, gpio.Low); err != nil {
		log.Printf("%s: error forcing pulse low, %v", a.cfg.Name, err)
	}
	if err := a.drv.WritePin(a.cfg.Pins.Enable, gpio.High); err != nil {
		log.Printf("%s: error disabling driver, %v", a.cfg.Name, err)
	}
	a.state = Disabled
}

// Disable powers the driver off between commands without touching the
// snapshot buffer.
func (a *Axis) Disable() {
	a.disable()
}

// Close forces the axis to a safe state and flushes the unsaved prefix of
// the snapshot buffer.  It must run on every exit path so no in-flight
// steps vanish from the persisted record.
func (a *Axis) Close() error {
	a.disable()
	a.state = Idle
	if a.cfg.Persist && a.idx > 0 {
		a.flush(a.buf[:a.idx])
		for i := range a.buf {
			a.buf[i] = 0
		}
		a.idx = 0
	}
	return nil
}

// Count returns the cumulative signed step count.
func (a *Axis) Count() int { return a.cnt }

// Direction returns the current direction, +1 or -1.
func (a *Axis) Direction() int { return a.dir }

// Target returns the pulse target of the current command.
func (a *Axis) Target() int { return a.target }

// State returns the lifecycle state.
func (a *Axis) State() State { return a.state }

// BufferIndex returns the next write slot of the snapshot buffer; it is
// always within [0, SaveSize].
func (a *Axis) BufferIndex() int { return a.idx }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
