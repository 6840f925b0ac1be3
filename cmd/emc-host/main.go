// Command emc-host is the control-computer half of the antenna motor
// system: it sends motion commands, logs the status stream, runs the
// observe cycle, and optionally exposes the motion HTTP interface and the
// potentiometer limit monitor.  Ctrl+C fires the emergency stop down the
// link before the process exits.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/config"
	"github.com/EIGSEP/eigsep-motor-control/host"
	"github.com/EIGSEP/eigsep-motor-control/httpmotion"
	"github.com/EIGSEP/eigsep-motor-control/pot"
	"github.com/EIGSEP/eigsep-motor-control/protocol"
	"github.com/EIGSEP/eigsep-motor-control/util"
)

func main() {
	var (
		cfgPath  = flag.String("config", config.DefaultFileName, "path to the YAML configuration")
		delay    = flag.Int("t", 0, "delay between pulse edges in microseconds")
		degE     = flag.Float64("e", 0, "elevation change in degrees")
		degA     = flag.Float64("a", 0, "azimuth change in degrees")
		report   = flag.Int("r", 0, "steps between status reports")
		maxSize  = flag.Int64("m", -1, "rotate the combined log at this many bytes, 0 never rotates")
		serialP  = flag.String("s", "", "serial port of the motor microcontroller")
		sendStop = flag.Bool("c", false, "send STOP immediately and exit")
		observe  = flag.Bool("o", false, "run the full observe cycle")
		serve    = flag.Bool("serve", false, "expose the motion HTTP interface and block")
		usePot   = flag.Bool("pot", false, "run the potentiometer limit monitor")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("error loading config, %v", err)
	}
	if *delay > 0 {
		cfg.Delay = *delay
	}
	if *report > 0 {
		cfg.Report = *report
	}
	if *maxSize >= 0 {
		cfg.MaxLogSize = *maxSize
	}
	if *serialP != "" {
		cfg.SerialPort = *serialP
	}

	link := cfg.Link()
	if err := link.Open(); err != nil {
		log.Fatalf("could not open %s, %v", cfg.SerialPort, err)
	}
	defer link.Close()

	if *sendStop {
		if err := link.Send(protocol.EncodeStop()); err != nil {
			log.Fatalf("error sending stop, %v", err)
		}
		return
	}

	sess, err := host.NewSession(link, cfg.SessionConfig())
	if err != nil {
		log.Fatal(err)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt)
	go func() {
		<-sigC
		log.Print("emergency stop")
		sess.Stop()
	}()

	if *usePot {
		potLink := comm.NewLineDevice(cfg.Pot.SerialPort, true)
		if err := potLink.Open(); err != nil {
			log.Fatalf("could not open pot readout %s, %v", cfg.Pot.SerialPort, err)
		}
		defer potLink.Close()
		mon := pot.New(pot.NewSerialSource(potLink.Conn, cfg.Pot.IntLen), cfg.MonitorConfig())
		sess.Signals = map[string]*util.Signal{pot.AxisAz: {}, pot.AxisEl: {}}
		go func() {
			if err := mon.Run(context.Background(), sess.Signals); err != nil {
				log.Printf("pot monitor exited, %v", err)
			}
		}()
	}

	if *serve {
		ctl := httpmotion.NewHTTPMotionController(sess)
		log.Println("now listening for requests at", cfg.HTTPAddr)
		log.Fatal(http.ListenAndServe(cfg.HTTPAddr, ctl.Router()))
	}

	if *observe {
		if err := sess.Observe(); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *degA != 0 {
		stopped, err := sess.DoMove(protocol.MotorAzimuth, *degA)
		if err != nil {
			log.Fatal(err)
		}
		if stopped {
			return
		}
	}
	if *degE != 0 {
		if _, err := sess.DoMove(protocol.MotorElevation, *degE); err != nil {
			log.Fatal(err)
		}
	}
}
