package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/EIGSEP/eigsep-motor-control/gpio"
	"github.com/EIGSEP/eigsep-motor-control/pot"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if c.SerialPort != want.SerialPort || c.Delay != want.Delay || c.Gearing != want.Gearing {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emc.yml")
	body := `serial_port: "10.0.0.5:7700"
delay: 500
gearing:
  microstep: 8
pot:
  real_volt_range:
    az: [0.5, 2.2]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SerialPort != "10.0.0.5:7700" {
		t.Errorf("serial_port = %q", c.SerialPort)
	}
	if c.Delay != 500 {
		t.Errorf("delay = %d, want 500", c.Delay)
	}
	if c.Gearing.Microstep != 8 {
		t.Errorf("microstep = %d, want 8", c.Gearing.Microstep)
	}
	// untouched keys keep their defaults
	if c.Report != Default().Report {
		t.Errorf("report = %d, want default %d", c.Report, Default().Report)
	}
	if got := c.MonitorConfig().Ranges["az"]; got != (pot.Range{Min: 0.5, Max: 2.2}) {
		t.Errorf("az range = %+v", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emc.yml")
	c := Default()
	c.SetVoltRange("el", pot.Range{Min: 1.1, Max: 1.9})
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := got.MonitorConfig().Ranges["el"]
	if r.Min != 1.1 || r.Max != 1.9 {
		t.Errorf("el range after round trip = %+v", r)
	}
}

func TestLinkAddressKind(t *testing.T) {
	c := Default()
	if ld := c.Link(); !ld.IsSerial {
		t.Error("tty path must produce a serial link")
	}
	c.SerialPort = "localhost:7700"
	if ld := c.Link(); ld.IsSerial {
		t.Error("host:port must produce a TCP link")
	}
}

func TestAxisConfig(t *testing.T) {
	c := Default()
	az := c.AxisConfig("azimuth")
	if az.Pins.Dir != 17 || az.Pins.Pulse != 22 || az.Pins.Enable != 27 {
		t.Errorf("azimuth pins = %+v", az.Pins)
	}
	if az.Pins.CW != gpio.Low || az.Pins.CCW != gpio.High {
		t.Errorf("direction levels = CW %v CCW %v", az.Pins.CW, az.Pins.CCW)
	}
	el := c.AxisConfig("elevation")
	if el.Pins.Dir != 11 || el.Name != "elevation" {
		t.Errorf("elevation config = %+v", el)
	}
}
