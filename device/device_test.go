package device

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/gpio"
	"github.com/EIGSEP/eigsep-motor-control/protocol"
	"github.com/EIGSEP/eigsep-motor-control/pulse"
	"github.com/EIGSEP/eigsep-motor-control/tracker"
)

func newTestAxis(t *testing.T, name string, dirPin, pulsePin, enablePin int) *tracker.Axis {
	t.Helper()
	a, err := tracker.New(gpio.NopDriver{}, tracker.Config{
		Name:      name,
		Pins:      tracker.Pins{Dir: dirPin, Pulse: pulsePin, Enable: enablePin, CW: gpio.Low, CCW: gpio.High},
		Translate: pulse.NewTranslator(pulse.Default),
	})
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	return a
}

func newTestDevice(t *testing.T) (*Device, net.Conn, <-chan error) {
	t.Helper()
	az := newTestAxis(t, "azimuth", 17, 22, 27)
	el := newTestAxis(t, "elevation", 11, 13, 9)

	hostEnd, devEnd := net.Pipe()
	link := comm.NewLineDevice("pipe", false)
	link.Use(devEnd)
	d := New(link, az, el)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		hostEnd.Close()
		devEnd.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("device loop did not exit")
		}
	})
	return d, hostEnd, done
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readStatuses(t *testing.T, sc *bufio.Scanner, n int) []protocol.Status {
	t.Helper()
	var out []protocol.Status
	for len(out) < n && sc.Scan() {
		st, ok := protocol.ParseStatus(sc.Bytes())
		if !ok {
			t.Fatalf("expected status line, got %q", sc.Text())
		}
		out = append(out, st)
	}
	if len(out) < n {
		t.Fatalf("stream ended after %d of %d status lines", len(out), n)
	}
	return out
}

func TestStatusCadence(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 1000, Dir: 1, Report: 100, Motor: protocol.MotorAzimuth})
	sts := readStatuses(t, sc, 11)
	last := sts[len(sts)-1]
	if last.Az != 1000 || last.El != 0 {
		t.Errorf("final status = %+v, want az=1000 el=0", last)
	}
	for i, st := range sts[:10] {
		if st.Az != (i+1)*100 {
			t.Errorf("status %d az = %d, want %d", i, st.Az, (i+1)*100)
		}
	}
}

func TestStopAbortsPulseTrain(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	// slow steps, huge report so no intermediate statuses: the only lines
	// are the stop acknowledgement and the final status, in either order
	sendLine(t, conn, protocol.Command{Delay: 2000, Pulses: 100000, Dir: 1, Report: 1 << 20, Motor: protocol.MotorAzimuth})
	time.Sleep(20 * time.Millisecond)
	sendLine(t, conn, protocol.Stop)

	var acked bool
	var final *protocol.Status
	for i := 0; i < 2 && sc.Scan(); i++ {
		line := sc.Bytes()
		if protocol.IsEmergencyStop(line) {
			acked = true
			continue
		}
		if st, ok := protocol.ParseStatus(line); ok {
			final = &st
		}
	}
	if !acked {
		t.Error("stop not acknowledged")
	}
	if final == nil {
		t.Fatal("no final status after abort")
	}
	if final.Az <= 0 || final.Az >= 100000 {
		t.Errorf("aborted at %d steps, want 0 < steps < 100000", final.Az)
	}

	// the latch must not leak into the next command
	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 10, Dir: 1, Report: 10, Motor: protocol.MotorAzimuth})
	sts := readStatuses(t, sc, 2)
	if got, want := sts[1].Az, final.Az+10; got != want {
		t.Errorf("post-stop command ended at %d, want %d", got, want)
	}
}

func TestBackToBackCommandsKeepCadence(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 5, Dir: 1, Report: 5, Motor: protocol.MotorAzimuth})
	sts := readStatuses(t, sc, 2)
	if sts[1].Az != 5 {
		t.Fatalf("first command ended at %d, want 5", sts[1].Az)
	}

	// the second command must run its full pulse count and hit its
	// intermediate report, not end early against the cumulative count
	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 10, Dir: 1, Report: 10, Motor: protocol.MotorAzimuth})
	sts = readStatuses(t, sc, 2)
	if sts[0].Az != 15 || sts[1].Az != 15 {
		t.Errorf("second command statuses = %+v, want az=15 twice", sts)
	}
}

func TestBadLineIsTolerated(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	conn.Write([]byte("{\"this is\": \"not a command\"}\n"))
	conn.Write([]byte("nor is this\n"))
	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 5, Dir: -1, Report: 5, Motor: protocol.MotorElevation})

	sts := readStatuses(t, sc, 2)
	if sts[1].El != -5 || sts[1].Az != 0 {
		t.Errorf("final status = %+v, want az=0 el=-5", sts[1])
	}
}

func TestDualCommandStepsBothAxes(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	sendLine(t, conn, protocol.DualCommand{Delay: 1, PulsesAz: 4, DirAz: 1, PulsesEl: 2, DirEl: -1, Report: 2})
	sts := readStatuses(t, sc, 3)
	want := []protocol.Status{{Az: 2, El: -2}, {Az: 4, El: -2}, {Az: 4, El: -2}}
	for i := range want {
		if sts[i] != want[i] {
			t.Errorf("status %d = %+v, want %+v", i, sts[i], want[i])
		}
	}
}

func TestReaderNeverBlocksBehindBacklog(t *testing.T) {
	az := newTestAxis(t, "azimuth", 17, 22, 27)
	el := newTestAxis(t, "elevation", 11, 13, 9)
	hostEnd, devEnd := net.Pipe()
	link := comm.NewLineDevice("pipe", false)
	link.Use(devEnd)
	d := New(link, az, el)
	t.Cleanup(func() { hostEnd.Close(); devEnd.Close() })

	// no command consumer at all: the reader alone must keep reading so
	// the stop line behind the backlog is still latched and acknowledged
	go d.readLoop()

	sc := bufio.NewScanner(hostEnd)
	for i := 0; i < 3*cap(d.cmds); i++ {
		sendLine(t, hostEnd, protocol.Command{Delay: 1, Pulses: 1, Dir: 1, Report: 1, Motor: protocol.MotorAzimuth})
	}
	sendLine(t, hostEnd, protocol.Stop)
	if !sc.Scan() || !protocol.IsEmergencyStop(sc.Bytes()) {
		t.Fatalf("expected prompt acknowledgement, got %q", sc.Text())
	}
}

func TestStopWhileIdleOnlyAcks(t *testing.T) {
	_, conn, _ := newTestDevice(t)
	sc := bufio.NewScanner(conn)

	sendLine(t, conn, protocol.Stop)
	if !sc.Scan() || !protocol.IsEmergencyStop(sc.Bytes()) {
		t.Fatalf("expected acknowledgement, got %q", sc.Text())
	}

	// a later command must run normally
	sendLine(t, conn, protocol.Command{Delay: 1, Pulses: 3, Dir: 1, Report: 3, Motor: protocol.MotorAzimuth})
	sts := readStatuses(t, sc, 2)
	if sts[1].Az != 3 {
		t.Errorf("final az = %d, want 3", sts[1].Az)
	}
}
