/*Package host drives the motor microcontroller from the control computer:
it sequences moves, collects the status stream into size-rotated combined
logs, reconstructs axis offsets from prior logs on startup, and owns the
out-of-band emergency stop path.

The serial link is exclusively owned by the session.  Two writers exist, the
ordinary command path and the asynchronous stop path, and the stop write is
allowed to race an in-flight status read because a stop always supersedes
queued motion.
*/
package host

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/protocol"
	"github.com/EIGSEP/eigsep-motor-control/pulse"
	"github.com/EIGSEP/eigsep-motor-control/util"
)

// Session defaults, matching the field deployment.
const (
	DefaultDelay  = 225 // microseconds between pulse edges
	DefaultReport = 100 // steps between status reports
)

const (
	logBase   = "combined_step_log"
	logSuffix = ".txt"
)

// Config collects the session parameters.
type Config struct {
	// Delay and Report are applied to every command sent.
	Delay  int
	Report int

	// MaxSize rotates the combined log to the next-numbered file once the
	// active file reaches this many bytes.  Zero disables rotation and
	// pins all writes to the base file.
	MaxSize int64

	// LogDir holds the combined logs; the working directory if empty.
	LogDir string

	Translate pulse.Translator
}

// Session sequences moves over one exclusively owned link.
type Session struct {
	dev *comm.LineDevice
	cfg Config

	idx          int
	offAz, offEl int
	stop         util.Signal
	velocity     bool

	// Signals, when set, maps axis name ("az", "el") to the limit flag
	// raised by the potentiometer monitor; the observe loop consumes and
	// clears them.
	Signals map[string]*util.Signal
}

// NewSession wraps an open link and resumes index and offsets from any
// combined logs already on disk.
func NewSession(dev *comm.LineDevice, cfg Config) (*Session, error) {
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Report == 0 {
		cfg.Report = DefaultReport
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "."
	}
	s := &Session{dev: dev, cfg: cfg}
	idx, az, el, err := ScanCombined(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	s.idx, s.offAz, s.offEl = idx, az, el
	return s, nil
}

// LogFilename returns the combined log name for a rotation index: the bare
// base name for index 0, the index-suffixed name otherwise.
func LogFilename(idx int) string {
	if idx == 0 {
		return logBase + logSuffix
	}
	return fmt.Sprintf("%s_%d%s", logBase, idx, logSuffix)
}

// ScanCombined locates the highest-indexed combined log in dir and replays
// its last well-formed "timestamp,az,el" line into the returned offsets.
// With no logs present everything resumes at zero.
func ScanCombined(dir string) (idx, offAz, offEl int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, 0, err
	}
	maxIdx := -1
	for _, e := range entries {
		n := e.Name()
		switch {
		case n == logBase+logSuffix:
			if maxIdx < 0 {
				maxIdx = 0
			}
		case strings.HasPrefix(n, logBase+"_") && strings.HasSuffix(n, logSuffix):
			k, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(n, logBase+"_"), logSuffix))
			if err == nil && k > maxIdx {
				maxIdx = k
			}
		}
	}
	if maxIdx < 0 {
		return 0, 0, 0, nil
	}

	b, err := os.ReadFile(filepath.Join(dir, LogFilename(maxIdx)))
	if err != nil {
		if os.IsNotExist(err) {
			return maxIdx, 0, 0, nil
		}
		return 0, 0, 0, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		parts := strings.Split(strings.TrimSpace(line), ",")
		if len(parts) != 3 {
			continue
		}
		a, err1 := strconv.Atoi(parts[1])
		e, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			continue
		}
		offAz, offEl = a, e
	}
	return maxIdx, offAz, offEl, nil
}

// rotate advances the log index when the active file has grown past the
// size bound.
func (s *Session) rotate() {
	if s.cfg.MaxSize <= 0 {
		s.idx = 0
		return
	}
	fi, err := os.Stat(filepath.Join(s.cfg.LogDir, LogFilename(s.idx)))
	if err == nil && fi.Size() >= s.cfg.MaxSize {
		s.idx++
	}
}

// DoMove sends one single-axis move and consumes its status stream: exactly
// one line per report interval plus the final report, fewer on stop or EOF.
// Each status line is appended to the combined log as a
// "timestamp,az,el" triplet with a microsecond timestamp.  The return value
// reports whether the stop flag was raised during the move.
func (s *Session) DoMove(motor int, deg float64) (bool, error) {
	if deg == 0 {
		return s.stop.IsSet(), nil
	}
	if err := s.endVelocity(); err != nil {
		return true, err
	}
	pulses := s.cfg.Translate.Pulses(deg)
	dir := s.cfg.Translate.Direction(deg)

	s.rotate()
	lf, err := os.OpenFile(filepath.Join(s.cfg.LogDir, LogFilename(s.idx)),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return true, fmt.Errorf("open combined log: %w", err)
	}
	defer lf.Close()

	b, err := protocol.EncodeCommand(protocol.Command{
		Delay:  s.cfg.Delay,
		Pulses: pulses,
		Dir:    dir,
		Report: s.cfg.Report,
		Motor:  motor,
	})
	if err != nil {
		return true, err
	}
	if err := s.dev.Send(b); err != nil {
		return true, fmt.Errorf("serial write: %w", err)
	}

	expected := protocol.ExpectedStatusLines(pulses, s.cfg.Report)
	for seen := 0; !s.stop.IsSet() && seen < expected; {
		line, err := s.dev.Recv()
		if err != nil {
			log.Printf("host: status read ended early, %v", err)
			break
		}
		if protocol.IsEmergencyStop(line) {
			s.stop.Set()
			break
		}
		st, ok := protocol.ParseStatus(line)
		if !ok {
			continue
		}
		ts := time.Now().UnixMicro()
		if _, err := fmt.Fprintf(lf, "%d,%d,%d\n", ts, st.Az, st.El); err != nil {
			log.Printf("host: error writing combined log, %v", err)
		}
		seen++
	}

	// offsets track commanded motion, not confirmed motion; the status
	// stream exists for post-hoc reconstruction
	if motor == protocol.MotorAzimuth {
		s.offAz += pulses * dir
	} else {
		s.offEl += pulses * dir
	}
	return s.stop.IsSet(), nil
}

// Observe runs the scanning cycle until stopped: azimuth +360, elevation
// +10, azimuth -360, elevation +10, with the elevation direction reversing
// after every accumulated 360 degrees.  A raised limit signal flips the
// affected axis for the next leg.
func (s *Session) Observe() error {
	moved := 0
	dirE := 1
	azSign := 1.0
	for !s.stop.IsSet() {
		s.consumeSignals(&azSign, &dirE)

		if stopped, err := s.DoMove(protocol.MotorAzimuth, azSign*360); stopped || err != nil {
			return err
		}
		moved += 10 * dirE
		if stopped, err := s.DoMove(protocol.MotorElevation, float64(10*dirE)); stopped || err != nil {
			return err
		}
		if stopped, err := s.DoMove(protocol.MotorAzimuth, azSign*-360); stopped || err != nil {
			return err
		}
		moved += 10 * dirE
		if stopped, err := s.DoMove(protocol.MotorElevation, float64(10*dirE)); stopped || err != nil {
			return err
		}

		if moved >= 360 || moved <= -360 {
			dirE = -dirE
			moved = 0
		}
	}
	return nil
}

func (s *Session) consumeSignals(azSign *float64, dirE *int) {
	if sig := s.Signals["az"]; sig != nil && sig.IsSet() {
		sig.Clear()
		*azSign = -*azSign
		log.Print("host: azimuth limit, reversing")
	}
	if sig := s.Signals["el"]; sig != nil && sig.IsSet() {
		sig.Clear()
		*dirE = -*dirE
		log.Print("host: elevation limit, reversing")
	}
}

// Stop raises the stop flag and fires the stop sentinel down the link
// immediately, regardless of any read in flight.  The flag alone halts the
// host side, so callers may ignore the returned write error.  Open-ended
// velocity motion is additionally drained so its tail does not linger in
// the link buffer.
func (s *Session) Stop() error {
	s.stop.Set()
	if s.velocity {
		return s.endVelocity()
	}
	return s.dev.Send(protocol.EncodeStop())
}

// StopRequested reports whether the stop flag is raised.
func (s *Session) StopRequested() bool { return s.stop.IsSet() }

// ClearStop lowers the stop flag so the session can be reused.
func (s *Session) ClearStop() { s.stop.Clear() }

// SetVelocity starts open-ended motion on both axes at once, the motion
// surface calibration drives.  The sign of each velocity picks the
// direction; magnitude is ignored because step rate is fixed by the
// configured delay.  The report interval is set past the pulse count so
// the device stays silent until the motion ends; endVelocity consumes the
// remainder when the session moves on.
func (s *Session) SetVelocity(az, el int) error {
	span := 2 * s.cfg.Translate.BoxMax()
	d := protocol.DualCommand{
		Delay:  s.cfg.Delay,
		Report: span + 1,
		DirAz:  sign(az),
		DirEl:  sign(el),
	}
	if az != 0 {
		d.PulsesAz = span
	}
	if el != 0 {
		d.PulsesEl = span
	}
	b, err := protocol.EncodeDual(d)
	if err != nil {
		return err
	}
	if err := s.dev.Send(b); err != nil {
		return err
	}
	s.velocity = true
	return nil
}

// endVelocity halts any open-ended velocity motion and consumes its status
// stream, which would otherwise be attributed to the next move.  The stream
// is the stop acknowledgement and one final status line, in either order; a
// run that already completed has its final status buffered and the device
// acknowledges the stop from idle.
func (s *Session) endVelocity() error {
	if !s.velocity {
		return nil
	}
	s.velocity = false
	if err := s.dev.Send(protocol.EncodeStop()); err != nil {
		return err
	}
	var acked, final bool
	for !acked || !final {
		line, err := s.dev.Recv()
		if err != nil {
			return err
		}
		if protocol.IsEmergencyStop(line) {
			acked = true
			continue
		}
		if _, ok := protocol.ParseStatus(line); ok {
			final = true
		}
	}
	return nil
}

// Offsets returns the cumulative commanded offsets in pulses.
func (s *Session) Offsets() (az, el int) { return s.offAz, s.offEl }

// Index returns the current combined log rotation index.
func (s *Session) Index() int { return s.idx }

// ErrUnknownAxis is generated for axis names other than az and el.
var ErrUnknownAxis = errors.New("unknown axis, must be az or el")

func motorFor(axis string) (int, error) {
	switch axis {
	case "az", "azimuth":
		return protocol.MotorAzimuth, nil
	case "el", "elevation":
		return protocol.MotorElevation, nil
	}
	return 0, ErrUnknownAxis
}

// GetPos returns the commanded position of an axis in platform degrees.
func (s *Session) GetPos(axis string) (float64, error) {
	m, err := motorFor(axis)
	if err != nil {
		return 0, err
	}
	off := s.offEl
	if m == protocol.MotorAzimuth {
		off = s.offAz
	}
	return s.cfg.Translate.Degrees(off), nil
}

// MoveRel moves an axis by a relative amount in degrees.
func (s *Session) MoveRel(axis string, deg float64) error {
	m, err := motorFor(axis)
	if err != nil {
		return err
	}
	_, err = s.DoMove(m, deg)
	return err
}

// MoveAbs moves an axis to an absolute position in degrees, relative to the
// zero the offsets were reconstructed against.
func (s *Session) MoveAbs(axis string, deg float64) error {
	pos, err := s.GetPos(axis)
	if err != nil {
		return err
	}
	return s.MoveRel(axis, deg-pos)
}

// GetEnabled reports whether the axis will accept motion, i.e. the stop
// flag is not raised.
func (s *Session) GetEnabled(axis string) (bool, error) {
	if _, err := motorFor(axis); err != nil {
		return false, err
	}
	return !s.stop.IsSet(), nil
}

// Halt is the emergency stop under its motion-surface name.
func (s *Session) Halt() error { return s.Stop() }

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}
