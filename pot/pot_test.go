package pot

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/util"
)

// identity makes BitToVolt the identity map so tests can feed voltages as
// raw codes directly.
var identity = Config{NBits: 1, VMax: 1}

// sliceSource replays a fixed sequence of identical az/el pairs, holding
// the final value once exhausted.
type sliceSource struct {
	vals []float64
	i    int
}

func (s *sliceSource) ReadPair() (float64, float64, error) {
	if len(s.vals) == 0 {
		return 0, 0, io.EOF
	}
	if s.i < len(s.vals) {
		s.i++
	}
	v := s.vals[s.i-1]
	return v, v, nil
}

func prime(t *testing.T, m *Monitor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, _, err := m.ReadVolts(); err != nil {
			t.Fatalf("ReadVolts: %v", err)
		}
	}
}

func TestDirectionForward(t *testing.T) {
	m := New(&sliceSource{vals: []float64{1.0, 1.01, 1.02}}, identity)
	prime(t, m, 3)
	if got := m.Direction(AxisAz); got != 1 {
		t.Errorf("Direction = %d, want 1", got)
	}
}

func TestDirectionStationary(t *testing.T) {
	m := New(&sliceSource{vals: []float64{1.0, 1.001, 0.999}}, identity)
	prime(t, m, 3)
	if got := m.Direction(AxisAz); got != 0 {
		t.Errorf("Direction = %d, want 0", got)
	}
}

func TestDirectionReverse(t *testing.T) {
	m := New(&sliceSource{vals: []float64{1.02, 1.01, 1.0}}, identity)
	prime(t, m, 3)
	if got := m.Direction(AxisEl); got != -1 {
		t.Errorf("Direction = %d, want -1", got)
	}
}

func TestDirectionUnderfilledHistory(t *testing.T) {
	m := New(&sliceSource{vals: []float64{1.0, 2.0}}, identity)
	if got := m.Direction(AxisAz); got != 0 {
		t.Errorf("Direction with empty history = %d, want 0", got)
	}
	prime(t, m, 1)
	if got := m.Direction(AxisAz); got != 0 {
		t.Errorf("Direction with one sample = %d, want 0", got)
	}
	prime(t, m, 1)
	if got := m.Direction(AxisAz); got != 1 {
		t.Errorf("Direction with two samples = %d, want 1", got)
	}
}

func TestBitToVolt(t *testing.T) {
	m := New(&sliceSource{}, Config{NBits: 16, VMax: 3.3})
	if got := m.BitToVolt(0); got != 0 {
		t.Errorf("BitToVolt(0) = %v, want 0", got)
	}
	if got := m.BitToVolt(65535); got != 3.3 {
		t.Errorf("BitToVolt(65535) = %v, want 3.3", got)
	}
	mid := m.BitToVolt(32767)
	if mid < 1.64 || mid > 1.66 {
		t.Errorf("BitToVolt(32767) = %v, want ~1.65", mid)
	}
}

func TestSerialSourceParsing(t *testing.T) {
	stream := "boot banner\n100 200\nnot numbers here\n300 400\n"
	s := NewSerialSource(strings.NewReader(stream), 2)

	az, el, err := s.ReadPair()
	if err != nil {
		t.Fatalf("ReadPair: %v", err)
	}
	if az != 50 || el != 100 {
		t.Errorf("first pair = (%v, %v), want (50, 100)", az, el)
	}
	az, el, err = s.ReadPair()
	if err != nil {
		t.Fatalf("ReadPair: %v", err)
	}
	if az != 150 || el != 200 {
		t.Errorf("second pair = (%v, %v), want (150, 200)", az, el)
	}
	if _, _, err = s.ReadPair(); err != io.EOF {
		t.Errorf("exhausted stream error = %v, want io.EOF", err)
	}
}

func TestTriggerReverse(t *testing.T) {
	cfg := identity
	cfg.Ranges = map[string]Range{AxisAz: {Min: 0.5, Max: 2.0}}
	m := New(&sliceSource{vals: []float64{1.8, 1.9, 2.0}}, cfg)
	prime(t, m, 3)

	if !m.TriggerReverse(AxisAz, 2.0) {
		t.Error("rising reading at max voltage must trigger")
	}
	// elevation has no configured range, so it never triggers
	if m.TriggerReverse(AxisEl, 2.0) {
		t.Error("axis without a range must not trigger")
	}
}

func TestTriggerReverseRequiresMotion(t *testing.T) {
	cfg := identity
	cfg.Ranges = map[string]Range{AxisAz: {Min: 0.5, Max: 2.0}}
	m := New(&sliceSource{vals: []float64{2.0, 2.0, 2.0}}, cfg)
	prime(t, m, 3)

	if m.TriggerReverse(AxisAz, 2.0) {
		t.Error("stationary reading must not trigger even at the bound")
	}
}

func TestVolts(t *testing.T) {
	m := New(&sliceSource{vals: []float64{1.0, 1.1, 1.2, 1.3}}, identity)
	prime(t, m, 4)
	h, err := m.Volts(AxisAz)
	if err != nil {
		t.Fatalf("Volts: %v", err)
	}
	want := []float64{1.1, 1.2, 1.3}
	if len(h) != len(want) {
		t.Fatalf("history = %v, want %v", h, want)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Fatalf("history = %v, want %v", h, want)
		}
	}
	if _, err := m.Volts("bogus"); err == nil {
		t.Error("unknown axis must error")
	}
}

// rampSource climbs at a fixed rate per read, capping at the limit.
type rampSource struct {
	v, step, cap float64
}

func (s *rampSource) ReadPair() (float64, float64, error) {
	s.v += s.step
	if s.v > s.cap {
		s.v = s.cap
	}
	return s.v, s.v, nil
}

func TestRunSetsSignalAtLimit(t *testing.T) {
	cfg := identity
	cfg.Poll = time.Millisecond
	cfg.Ranges = map[string]Range{AxisAz: {Min: 0.0, Max: 1.5}}
	m := New(&rampSource{v: 1.0, step: 0.02, cap: 2.0}, cfg)

	sig := &util.Signal{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, map[string]*util.Signal{AxisAz: sig})
	}()

	deadline := time.After(5 * time.Second)
	for !sig.IsSet() {
		select {
		case <-deadline:
			t.Fatal("limit signal never raised")
		case err := <-done:
			t.Fatalf("Run exited early: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunStopsOnEOF(t *testing.T) {
	m := New(&sliceSource{}, Config{Poll: time.Millisecond})
	err := m.Run(context.Background(), map[string]*util.Signal{})
	if err != io.EOF {
		t.Errorf("Run returned %v, want io.EOF", err)
	}
}
