// Package gpio abstracts the digital pins that drive the stepper hardware.
// Each axis controller owns its own Driver for the lifetime of the process;
// there is no ambient global pin state.
package gpio

// Level represents the logical state of a pin.
type Level bool

// Pin levels.
const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a pin is input or output.
type PinMode int

// Pin modes.
const (
	Input PinMode = iota
	Output
)

// Driver is the interface to a board's pins.  The real implementation runs
// on a Raspberry Pi; tests substitute a recording fake.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NopDriver discards all pin operations.  It stands in for real hardware
// when the binaries run off-board.
type NopDriver struct{}

// SetupPin implements Driver.
func (NopDriver) SetupPin(pin int, mode PinMode) error { return nil }

// WritePin implements Driver.
func (NopDriver) WritePin(pin int, level Level) error { return nil }

// ReadPin implements Driver.
func (NopDriver) ReadPin(pin int) (Level, error) { return Low, nil }

// Close implements Driver.
func (NopDriver) Close() error { return nil }
