// Command emc-calibrate measures the potentiometer voltage bounds for one
// or both axes by driving each axis into its travel limits, then writes the
// measured ranges back into the configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/config"
	"github.com/EIGSEP/eigsep-motor-control/host"
	"github.com/EIGSEP/eigsep-motor-control/pot"

	"github.com/theckman/yacspin"
)

func main() {
	var (
		cfgPath = flag.String("config", config.DefaultFileName, "path to the YAML configuration")
		doAz    = flag.Bool("a", false, "calibrate the azimuth pot")
		doEl    = flag.Bool("e", false, "calibrate the elevation pot")
		speed   = flag.Int("speed", 254, "test velocity handed to the motors")
		watch   = flag.Duration("watch", pot.DefaultWatchWindow, "abort when no motion for this long")
		stuck   = flag.Duration("stuck", pot.DefaultStuckFor, "stationary duration that classifies the pot as stuck")
	)
	flag.Parse()

	var axes []string
	if *doAz {
		axes = append(axes, pot.AxisAz)
	}
	if *doEl {
		axes = append(axes, pot.AxisEl)
	}
	if len(axes) == 0 {
		log.Fatal("at least one axis must be selected (-a, -e)")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error loading config, %v", err)
	}

	link := cfg.Link()
	if err := link.Open(); err != nil {
		log.Fatalf("could not open %s, %v", cfg.SerialPort, err)
	}
	defer link.Close()
	sess, err := host.NewSession(link, cfg.SessionConfig())
	if err != nil {
		log.Fatal(err)
	}

	potLink := comm.NewLineDevice(cfg.Pot.SerialPort, true)
	if err := potLink.Open(); err != nil {
		log.Fatalf("could not open pot readout %s, %v", cfg.Pot.SerialPort, err)
	}
	defer potLink.Close()
	mon := pot.New(pot.NewSerialSource(potLink.Conn, cfg.Pot.IntLen), cfg.MonitorConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	for _, axis := range axes {
		vr := cfg.Pot.VoltRange[axis]
		if len(vr) != 2 {
			log.Fatalf("%s: no prior voltage range in config, cannot derive the span", axis)
		}
		span := vr[1] - vr[0]

		rng, err := calibrateAxis(ctx, mon, sess, axis, span, *speed, *watch, *stuck)
		if err != nil {
			log.Fatalf("%s: calibration failed, %v", axis, err)
		}
		cfg.SetVoltRange(axis, rng)
		log.Printf("%s: min voltage %.3f, max voltage %.3f", axis, rng.Min, rng.Max)
	}

	if err := config.Save(*cfgPath, cfg); err != nil {
		log.Fatalf("error writing config, %v", err)
	}
	log.Printf("calibration successful, %s updated", *cfgPath)
}

// calibrateAxis hunts the positive limit first; if the pot never pinned
// there, the opposite bound cannot be derived from the span and is measured
// by a second pass in the negative direction.
func calibrateAxis(ctx context.Context, mon *pot.Monitor, mv pot.Mover, axis string, span float64, speed int, watch, stuck time.Duration) (pot.Range, error) {
	spin := spinner(axis)
	res, err := pot.Calibrate(ctx, mon, mv, pot.CalibrationParams{
		Axis:        axis,
		Dir:         1,
		Speed:       speed,
		WatchWindow: watch,
		StuckFor:    stuck,
	})
	if err != nil {
		spin.StopFail()
		return pot.Range{}, err
	}
	if res.Stuck {
		spin.Stop()
		return pot.DeriveRange(res.Extremum, 1, span), nil
	}

	log.Print("pot did not pin at the limit, calibrating the opposite direction")
	res, err = pot.Calibrate(ctx, mon, mv, pot.CalibrationParams{
		Axis:        axis,
		Dir:         -1,
		Speed:       speed,
		WatchWindow: watch,
		StuckFor:    stuck,
	})
	if err != nil {
		spin.StopFail()
		return pot.Range{}, err
	}
	spin.Stop()
	if !res.Stuck {
		return pot.Range{}, errNotStuck
	}
	return pot.DeriveRange(res.Extremum, -1, span), nil
}

var errNotStuck = errors.New("pot never pinned at a limit in either direction")

func spinner(axis string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " calibrating " + axis + " pot",
		StopCharacter:   "done",
		StopFailMessage: "failed",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}
	return s
}
