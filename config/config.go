/*Package config holds the deployment configuration for the antenna motor
system: serial addresses, driver pins, gear constants, logging knobs, and
the calibrated potentiometer voltage ranges.

Loading is layered: compiled-in defaults first, then a YAML file on top.  A
missing file is not an error, the defaults describe the standard field
deployment.  Calibration writes its measured voltage ranges back to the same
file.
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/gpio"
	"github.com/EIGSEP/eigsep-motor-control/host"
	"github.com/EIGSEP/eigsep-motor-control/pot"
	"github.com/EIGSEP/eigsep-motor-control/pulse"
	"github.com/EIGSEP/eigsep-motor-control/tracker"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"
)

// DefaultFileName is what it sounds like.
const DefaultFileName = "emc.yml"

// Pins holds one axis's microstep driver pins, BCM numbering, plus the
// levels written to the direction pin for each rotation sense.
type Pins struct {
	Dir    int `yaml:"dir"`
	Pulse  int `yaml:"pulse"`
	Enable int `yaml:"enable"`
	CW     int `yaml:"cw"`
	CCW    int `yaml:"ccw"`
}

// Pot holds the potentiometer readout parameters.
type Pot struct {
	// SerialPort is the ADC's serial device.
	SerialPort string `yaml:"serial_port"`

	NBits     int     `yaml:"nbits"`
	VMax      float64 `yaml:"vmax"`
	Threshold float64 `yaml:"volt_threshold"`

	// IntLen is the number of raw ADC reads the readout integrates per
	// reported sample.
	IntLen int `yaml:"int_len"`

	// PollMS is the monitor cadence in milliseconds.
	PollMS int `yaml:"poll_ms"`

	// VoltRange maps axis name to its calibrated [min, max] voltages;
	// calibration rewrites these.
	VoltRange map[string][]float64 `yaml:"real_volt_range"`
}

// Config is the root of the configuration tree.
type Config struct {
	// SerialPort addresses the motor microcontroller; a host:port value
	// is dialed as TCP instead.
	SerialPort string `yaml:"serial_port"`
	Baud       int    `yaml:"baud"`

	// Delay is the half-period between pulse edges in microseconds;
	// Report is the step count between status reports.
	Delay  int `yaml:"delay"`
	Report int `yaml:"report"`

	// MaxLogSize rotates the host's combined log; zero disables rotation.
	MaxLogSize int64  `yaml:"max_log_size"`
	LogDir     string `yaml:"log_dir"`

	// SaveSize and Persist control the device-side step logs.
	SaveSize int  `yaml:"save_size"`
	Persist  bool `yaml:"persist"`

	// HTTPAddr is the listen address of the motion HTTP surface.
	HTTPAddr string `yaml:"http_addr"`

	Gearing pulse.Config `yaml:"gearing"`
	AzPins  Pins         `yaml:"az_pins"`
	ElPins  Pins         `yaml:"el_pins"`
	Pot     Pot          `yaml:"pot"`
}

// Default is the standard field deployment.
func Default() Config {
	return Config{
		SerialPort: "/dev/ttyACM0",
		Baud:       comm.DefaultBaud,
		Delay:      host.DefaultDelay,
		Report:     host.DefaultReport,
		LogDir:     ".",
		SaveSize:   tracker.DefaultSaveSize,
		Persist:    true,
		HTTPAddr:   ":8000",
		Gearing:    pulse.Default,
		AzPins:     Pins{Dir: 17, Pulse: 22, Enable: 27, CW: 0, CCW: 1},
		ElPins:     Pins{Dir: 11, Pulse: 13, Enable: 9, CW: 0, CCW: 1},
		Pot: Pot{
			SerialPort: "/dev/ttyACM1",
			NBits:      pot.DefaultNBits,
			VMax:       pot.DefaultVMax,
			Threshold:  pot.DefaultThreshold,
			IntLen:     1,
			PollMS:     100,
			VoltRange: map[string][]float64{
				"az": {0.3, 2.5},
				"el": {1.0, 2.0},
			},
		},
	}
}

// Load layers the YAML file at path over the defaults.  A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	c := Config{}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"})
	return c, err
}

// Save writes the configuration back to path as YAML.
func Save(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

// Translator builds the degree/pulse translator from the gear constants.
func (c Config) Translator() pulse.Translator {
	return pulse.NewTranslator(c.Gearing)
}

// Link builds the (unopened) line device for the motor microcontroller.
func (c Config) Link() *comm.LineDevice {
	ld := comm.NewLineDevice(c.SerialPort, !strings.Contains(c.SerialPort, ":"))
	if c.Baud != 0 {
		ld.Baud = c.Baud
	}
	return ld
}

// AxisConfig builds the tracker configuration for one axis; name is
// "azimuth" or "elevation".
func (c Config) AxisConfig(name string) tracker.Config {
	p := c.ElPins
	if name == "azimuth" {
		p = c.AzPins
	}
	return tracker.Config{
		Name: name,
		Pins: tracker.Pins{
			Dir:    p.Dir,
			Pulse:  p.Pulse,
			Enable: p.Enable,
			CW:     gpio.Level(p.CW != 0),
			CCW:    gpio.Level(p.CCW != 0),
		},
		Translate: c.Translator(),
		SaveSize:  c.SaveSize,
		Persist:   c.Persist,
		LogDir:    c.LogDir,
	}
}

// SessionConfig builds the host session configuration.
func (c Config) SessionConfig() host.Config {
	return host.Config{
		Delay:     c.Delay,
		Report:    c.Report,
		MaxSize:   c.MaxLogSize,
		LogDir:    c.LogDir,
		Translate: c.Translator(),
	}
}

// MonitorConfig builds the potentiometer monitor configuration.
func (c Config) MonitorConfig() pot.Config {
	mc := pot.Config{
		NBits:     c.Pot.NBits,
		VMax:      c.Pot.VMax,
		Threshold: c.Pot.Threshold,
		Poll:      time.Duration(c.Pot.PollMS) * time.Millisecond,
		Ranges:    make(map[string]pot.Range),
	}
	for axis, pair := range c.Pot.VoltRange {
		if len(pair) != 2 {
			continue
		}
		mc.Ranges[axis] = pot.Range{Min: pair[0], Max: pair[1]}
	}
	return mc
}

// SetVoltRange records a calibrated voltage range for an axis.
func (c *Config) SetVoltRange(axis string, r pot.Range) {
	if c.Pot.VoltRange == nil {
		c.Pot.VoltRange = make(map[string][]float64)
	}
	c.Pot.VoltRange[axis] = []float64{r.Min, r.Max}
}
