/*Package pot classifies motor motion and end-of-travel proximity from the
potentiometer voltages attached to each axis.

The potentiometers are the electrical proxy for limit switches: the readout
ADC streams raw codes over a serial line, the monitor keeps a short rolling
window of converted voltages per axis, and the sign of the mean first
difference over that window tells whether the mechanism is moving forward,
backward, or not at all.  When confirmed motion reaches the configured
voltage bound the monitor raises that axis's signal so the host control loop
can reverse or stop it.
*/
package pot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/util"

	"github.com/brandondube/ringo"
	"golang.org/x/time/rate"
)

// Axis names used throughout the package.
const (
	AxisAz = "az"
	AxisEl = "el"
)

const (
	// DefaultNBits is the ADC resolution.
	DefaultNBits = 16

	// DefaultVMax is the ADC reference voltage.
	DefaultVMax = 3.3

	// DefaultThreshold is the voltage-derivative magnitude below which the
	// pot is considered stationary.
	DefaultThreshold = 0.005

	// DefaultPoll is the monitor's sampling cadence.
	DefaultPoll = 100 * time.Millisecond

	// historyLen is the depth of the rolling voltage window; only the
	// first differences over it are ever used.
	historyLen = 3
)

// Source yields one pair of raw ADC codes per call, azimuth first.
type Source interface {
	ReadPair() (az, el float64, err error)
}

// SerialSource reads whitespace-separated code pairs, one pair per line,
// from the ADC's serial stream.  The device integrates intLen raw reads per
// reported value, so each code is divided by intLen.
type SerialSource struct {
	sc     *bufio.Scanner
	intLen float64
}

// NewSerialSource wraps the ADC stream.  intLen values below 1 are treated
// as 1.
func NewSerialSource(r io.Reader, intLen int) *SerialSource {
	if intLen < 1 {
		intLen = 1
	}
	return &SerialSource{sc: bufio.NewScanner(r), intLen: float64(intLen)}
}

// ReadPair implements Source.
func (s *SerialSource) ReadPair() (float64, float64, error) {
	for s.sc.Scan() {
		f := strings.Fields(s.sc.Text())
		if len(f) != 2 {
			// partial or banner line, wait for the next one
			continue
		}
		az, err1 := strconv.ParseFloat(f[0], 64)
		el, err2 := strconv.ParseFloat(f[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return az / s.intLen, el / s.intLen, nil
	}
	if err := s.sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, io.EOF
}

// Range is the calibrated voltage span of one pot.
type Range struct {
	Min float64 `koanf:"min" yaml:"min"`
	Max float64 `koanf:"max" yaml:"max"`
}

// Config collects the monitor parameters.
type Config struct {
	NBits     int
	VMax      float64
	Threshold float64
	Poll      time.Duration

	// Ranges maps axis name to its calibrated voltage bounds.
	Ranges map[string]Range
}

// Monitor holds the per-axis voltage history and classification state.
// Direction and ReadVolts are not concurrent safe; Run owns them once
// started, and other goroutines communicate only through the Signals.
type Monitor struct {
	cfg     Config
	src     Source
	limiter *rate.Limiter
	hist    map[string]*ringo.CircleF64
	n       map[string]int
}

// New creates a Monitor over the given source.  Zero config fields take the
// package defaults.
func New(src Source, cfg Config) *Monitor {
	if cfg.NBits == 0 {
		cfg.NBits = DefaultNBits
	}
	if cfg.VMax == 0 {
		cfg.VMax = DefaultVMax
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Poll == 0 {
		cfg.Poll = DefaultPoll
	}
	m := &Monitor{
		cfg:     cfg,
		src:     src,
		limiter: rate.NewLimiter(rate.Every(cfg.Poll), 1),
		hist:    make(map[string]*ringo.CircleF64),
		n:       make(map[string]int),
	}
	for _, axis := range []string{AxisAz, AxisEl} {
		c := &ringo.CircleF64{}
		c.Init(historyLen)
		m.hist[axis] = c
	}
	return m
}

// BitToVolt converts a raw ADC code to volts.
func (m *Monitor) BitToVolt(code float64) float64 {
	res := float64(uint(1)<<uint(m.cfg.NBits) - 1)
	return m.cfg.VMax * code / res
}

// ReadVolts takes one sample pair from the source, converts it to volts,
// and pushes it into both axes' histories.
func (m *Monitor) ReadVolts() (az, el float64, err error) {
	rawAz, rawEl, err := m.src.ReadPair()
	if err != nil {
		return 0, 0, err
	}
	az = m.BitToVolt(rawAz)
	el = m.BitToVolt(rawEl)
	m.push(AxisAz, az)
	m.push(AxisEl, el)
	return az, el, nil
}

func (m *Monitor) push(axis string, v float64) {
	m.hist[axis].Append(v)
	if m.n[axis] < historyLen {
		m.n[axis]++
	}
}

// Direction classifies the axis from the mean first difference of its
// voltage window: 0 when the magnitude is below the threshold (stationary
// or stalled), otherwise the sign of the mean.
func (m *Monitor) Direction(axis string) int {
	n := m.n[axis]
	if n < 2 {
		return 0
	}
	h := m.hist[axis].Contiguous()
	h = h[len(h)-n:]
	var sum float64
	for i := 1; i < len(h); i++ {
		sum += h[i] - h[i-1]
	}
	mean := sum / float64(len(h)-1)
	if mean > -m.cfg.Threshold && mean < m.cfg.Threshold {
		return 0
	}
	if mean > 0 {
		return 1
	}
	return -1
}

// TriggerReverse fires when the axis is confirmed moving toward a voltage
// bound and the reading has reached it.
func (m *Monitor) TriggerReverse(axis string, v float64) bool {
	rng, ok := m.cfg.Ranges[axis]
	if !ok {
		return false
	}
	switch m.Direction(axis) {
	case 1:
		if v >= rng.Max {
			log.Printf("pot %s at max voltage", axis)
			return true
		}
	case -1:
		if v <= rng.Min {
			log.Printf("pot %s at min voltage", axis)
			return true
		}
	}
	return false
}

// ResetHistory refills the voltage window with a rapid burst of fresh
// readings so the next derivative is not confused by stale samples.
func (m *Monitor) ResetHistory() {
	for i := 0; i < historyLen; i++ {
		if _, _, err := m.ReadVolts(); err != nil {
			log.Printf("pot: error repriming history, %v", err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Run polls the pots at the configured cadence until the context is
// canceled or the source dries up.  On a limit trigger it sets that axis's
// signal and reprimes the history; signals map axis name to the flag the
// host control loop consumes.  Sample errors are logged and skipped.
func (m *Monitor) Run(ctx context.Context, signals map[string]*util.Signal) error {
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		az, el, err := m.ReadVolts()
		if err != nil {
			if err == io.EOF {
				return err
			}
			log.Printf("pot: read error, %v", err)
			continue
		}
		for axis, v := range map[string]float64{AxisAz: az, AxisEl: el} {
			sig := signals[axis]
			if sig == nil {
				continue
			}
			if m.TriggerReverse(axis, v) {
				sig.Set()
				m.ResetHistory()
			}
		}
	}
}

// Volts returns the most recent voltage window for an axis, least recent
// first.  Diagnostics only.
func (m *Monitor) Volts(axis string) ([]float64, error) {
	h, ok := m.hist[axis]
	if !ok {
		return nil, fmt.Errorf("unknown axis %q", axis)
	}
	n := m.n[axis]
	c := h.Contiguous()
	return c[len(c)-n:], nil
}
