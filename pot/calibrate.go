package pot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Mover is the motion surface calibration needs: drive both axes at fixed
// velocities, and stop everything.
type Mover interface {
	SetVelocity(az, el int) error
	Stop() error
}

// Calibration defaults.
const (
	DefaultWatchWindow = 5 * time.Second
	DefaultStuckFor    = 10 * time.Millisecond
)

// ErrNotMoving reports an axis that never produced confirmed motion in the
// commanded direction, so no limit was ever approached.
var ErrNotMoving = errors.New("pot: no confirmed motion within the watch window")

// CalibrationParams configures one calibration pass.
type CalibrationParams struct {
	// Axis is AxisAz or AxisEl.
	Axis string

	// Dir is +1 to hunt for the maximum voltage, -1 for the minimum.
	Dir int

	// Speed is the unsigned test velocity handed to the Mover.
	Speed int

	// WatchWindow aborts the hunt when no confirmed motion in the
	// commanded direction is seen for this long.  DefaultWatchWindow if
	// zero.
	WatchWindow time.Duration

	// StuckSamples and StuckFor both classify the pot as stuck at a hard
	// limit: a consecutive count of stationary readings, or an elapsed
	// stationary duration.  Policy differs between deployments, so both
	// are tunables; when both are set the duration applies.
	StuckSamples int
	StuckFor     time.Duration

	// Poll is the read cadence; the monitor default if zero.
	Poll time.Duration
}

// CalibrationResult is the outcome of one pass.
type CalibrationResult struct {
	// Extremum is the extremal voltage seen while hunting: the maximum
	// with Dir +1, the minimum with Dir -1.
	Extremum float64

	// Stuck reports the pot held at a hard limit.  When false the
	// opposite bound cannot be derived from the known span and must be
	// measured by a pass in the other direction.
	Stuck bool
}

// Calibrate drives one axis toward a voltage limit and measures it.
//
// The sequence mirrors the field procedure: command a fixed velocity,
// reverse out first if the limit switch is already pulled, then hunt until
// the axis stops making progress for a full watch window.  The extremal
// voltage over the hunt is the measured bound.  Afterwards the reading is
// watched while classified stationary; staying stationary past the stuck
// threshold means the pot is pinned at a hard limit, in which case the
// opposite bound follows from the known span (DeriveRange).  The motor is
// always stopped before returning.
func Calibrate(ctx context.Context, m *Monitor, mv Mover, p CalibrationParams) (CalibrationResult, error) {
	var res CalibrationResult
	if p.Axis != AxisAz && p.Axis != AxisEl {
		return res, fmt.Errorf("pot: unknown axis %q", p.Axis)
	}
	if p.Dir != 1 && p.Dir != -1 {
		return res, fmt.Errorf("pot: direction must be +1 or -1, got %d", p.Dir)
	}
	if p.WatchWindow == 0 {
		p.WatchWindow = DefaultWatchWindow
	}
	if p.StuckFor == 0 && p.StuckSamples == 0 {
		p.StuckFor = DefaultStuckFor
	}
	if p.Poll == 0 {
		p.Poll = m.cfg.Poll
	}
	defer func() {
		if err := mv.Stop(); err != nil {
			log.Printf("pot %s: error stopping motor, %v", p.Axis, err)
		}
	}()

	vel := p.Speed * p.Dir
	var azVel, elVel int
	if p.Axis == AxisAz {
		azVel = vel
	} else {
		elVel = vel
	}
	if err := mv.SetVelocity(azVel, elVel); err != nil {
		return res, err
	}
	m.ResetHistory()

	// release the limit switch if it is already pulled at start-up.  A
	// pulled switch makes the drive back the axis off on its own, so
	// there is nothing to command here: wait for that reverse motion to
	// die out before hunting.
	for m.Direction(p.Axis) == -p.Dir {
		log.Printf("pot %s: limit switch pulled at start, reversing out", p.Axis)
		if err := sample(ctx, m, p.Poll); err != nil {
			return res, err
		}
	}

	// hunt until the axis stops making progress
	lastMotion := time.Now()
	moved := false
	first := true
	for {
		if m.Direction(p.Axis) == p.Dir {
			moved = true
			lastMotion = time.Now()
		} else if time.Since(lastMotion) >= p.WatchWindow {
			break
		}
		v, err := read(ctx, m, p.Axis, p.Poll)
		if err != nil {
			return res, err
		}
		if first || p.Dir > 0 && v > res.Extremum || p.Dir < 0 && v < res.Extremum {
			res.Extremum = v
			first = false
		}
	}
	if !moved {
		return res, ErrNotMoving
	}
	log.Printf("pot %s: extremum voltage %.3f", p.Axis, res.Extremum)

	// the axis is now either pinned at a hard limit or merely coasting;
	// watch the reading while it stays classified stationary.  Once the
	// stuck threshold is crossed the classification cannot change, so a
	// pot pinned for good ends the watch instead of holding it open.
	stuckT0 := time.Now()
	samples := 0
	for m.Direction(p.Axis) == 0 && !res.Stuck {
		if _, err := read(ctx, m, p.Axis, p.Poll/10); err != nil {
			return res, err
		}
		samples++
		if p.StuckFor > 0 {
			res.Stuck = time.Since(stuckT0) >= p.StuckFor
		} else {
			res.Stuck = samples >= p.StuckSamples
		}
	}
	log.Printf("pot %s: stationary for %d samples, stuck=%v", p.Axis, samples, res.Stuck)

	// back off until the switch releases
	for m.Direction(p.Axis) == -p.Dir {
		if err := sample(ctx, m, p.Poll/10); err != nil {
			return res, err
		}
	}
	return res, nil
}

// DeriveRange computes the full voltage range from one measured bound and
// the known span between bounds.  dir is the direction the bound was
// measured in.
func DeriveRange(extremum float64, dir int, span float64) Range {
	if dir > 0 {
		return Range{Min: extremum - span, Max: extremum}
	}
	return Range{Min: extremum, Max: extremum + span}
}

func sample(ctx context.Context, m *Monitor, wait time.Duration) error {
	_, err := read(ctx, m, "", wait)
	return err
}

// read takes one sample pair, returns the requested axis's voltage, and
// honors the pacing and cancellation the calibration loops share.
func read(ctx context.Context, m *Monitor, axis string, wait time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	az, el, err := m.ReadVolts()
	if err != nil {
		return 0, err
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
	}
	if axis == AxisEl {
		return el, nil
	}
	return az, nil
}
