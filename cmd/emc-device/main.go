// Command emc-device is the device half of the antenna motor control: it
// owns the stepper driver pins, executes motion commands arriving on the
// serial link, and persists the step count so position survives restarts.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/EIGSEP/eigsep-motor-control/config"
	"github.com/EIGSEP/eigsep-motor-control/device"
	"github.com/EIGSEP/eigsep-motor-control/gpio"
	"github.com/EIGSEP/eigsep-motor-control/tracker"
)

// stdio adapts the process's standard streams to a connection, for running
// under a USB gadget or a test harness.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

func main() {
	var (
		cfgPath  = flag.String("config", config.DefaultFileName, "path to the YAML configuration")
		serialP  = flag.String("s", "", "serial port override")
		useStdio = flag.Bool("stdio", false, "speak the protocol over stdin/stdout")
		sim      = flag.Bool("sim", false, "discard pin writes instead of driving hardware")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error loading config, %v", err)
	}
	if *serialP != "" {
		cfg.SerialPort = *serialP
	}

	var drv gpio.Driver
	if *sim {
		drv = gpio.NopDriver{}
	} else {
		rp, err := gpio.NewRPiDriver()
		if err != nil {
			log.Fatalf("error opening gpio, %v", err)
		}
		defer rp.Close()
		drv = rp
	}

	az, err := tracker.New(drv, cfg.AxisConfig("azimuth"))
	if err != nil {
		log.Fatalf("error setting up azimuth, %v", err)
	}
	el, err := tracker.New(drv, cfg.AxisConfig("elevation"))
	if err != nil {
		log.Fatalf("error setting up elevation, %v", err)
	}

	link := cfg.Link()
	if *useStdio {
		link.Use(stdio{})
	} else if err := link.Open(); err != nil {
		log.Fatalf("could not open %s, %v", cfg.SerialPort, err)
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("listening for commands on %s", cfg.SerialPort)
	if err := device.New(link, az, el).Run(ctx); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
