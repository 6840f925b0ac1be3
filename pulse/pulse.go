// Package pulse converts between platform angles and stepper driver pulse
// counts given the drivetrain constants.
package pulse

import "math"

// Config holds the drivetrain constants for one axis.  The values are fixed
// per deployment and injected at construction so that simulations and tests
// can vary them.
type Config struct {
	// StepAngle is the mechanical angle of one full motor step, in degrees.
	StepAngle float64 `koanf:"step_angle" yaml:"step_angle"`

	// Microstep is the number of electrical pulses per full mechanical step.
	Microstep int `koanf:"microstep" yaml:"microstep"`

	// GearTeeth is the tooth count of the driven gear, i.e. the reduction
	// between the motor shaft and the platform.
	GearTeeth int `koanf:"gear_teeth" yaml:"gear_teeth"`

	// FullBox is the angle of one full platform rotation, in degrees.
	FullBox float64 `koanf:"full_box" yaml:"full_box"`
}

// Default matches the deployed hardware: a 1.8 degree motor behind a
// 113-tooth gear with a 4x microstepping driver.
var Default = Config{
	StepAngle: 1.8,
	Microstep: 4,
	GearTeeth: 113,
	FullBox:   360,
}

// Translator is a pure converter between degrees and pulses.
type Translator struct {
	cfg Config
}

// NewTranslator returns a Translator for the given drivetrain.  Zero-valued
// fields are replaced by the corresponding Default values.
func NewTranslator(cfg Config) Translator {
	if cfg.StepAngle == 0 {
		cfg.StepAngle = Default.StepAngle
	}
	if cfg.Microstep == 0 {
		cfg.Microstep = Default.Microstep
	}
	if cfg.GearTeeth == 0 {
		cfg.GearTeeth = Default.GearTeeth
	}
	if cfg.FullBox == 0 {
		cfg.FullBox = Default.FullBox
	}
	return Translator{cfg: cfg}
}

// Pulses returns the number of driver pulses needed to rotate the platform
// by deg degrees.  The result is always non-negative; the sign of the motion
// is carried separately by Direction.  Rounding is to the nearest pulse, not
// truncation, so the angular error does not accumulate over many commands.
func (t Translator) Pulses(deg float64) int {
	p := float64(t.cfg.Microstep) * float64(t.cfg.GearTeeth) * math.Abs(deg) / t.cfg.StepAngle
	return int(math.Round(p))
}

// Direction returns +1 for positive angles and -1 for negative ones.
// A zero angle is the caller's responsibility and is never passed here.
func (t Translator) Direction(deg float64) int {
	if deg > 0 {
		return 1
	}
	return -1
}

// Degrees is the inverse of Pulses, used for diagnostics only.
func (t Translator) Degrees(pulses int) float64 {
	return float64(pulses) * t.cfg.StepAngle / (float64(t.cfg.Microstep) * float64(t.cfg.GearTeeth))
}

// BoxMax returns the pulse count of one full platform rotation.
func (t Translator) BoxMax() int {
	return t.Pulses(t.cfg.FullBox)
}
