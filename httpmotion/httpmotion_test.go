package httpmotion

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeController is a Mover, Enabler, and Halter over in-memory state.
type fakeController struct {
	pos     map[string]float64
	enabled bool
	halted  bool
}

func newFakeController() *fakeController {
	return &fakeController{pos: map[string]float64{"az": 0, "el": 0}, enabled: true}
}

func (f *fakeController) check(axis string) error {
	if _, ok := f.pos[axis]; !ok {
		return errors.New("unknown axis")
	}
	return nil
}

func (f *fakeController) GetPos(axis string) (float64, error) {
	if err := f.check(axis); err != nil {
		return 0, err
	}
	return f.pos[axis], nil
}

func (f *fakeController) MoveAbs(axis string, deg float64) error {
	if err := f.check(axis); err != nil {
		return err
	}
	f.pos[axis] = deg
	return nil
}

func (f *fakeController) MoveRel(axis string, deg float64) error {
	if err := f.check(axis); err != nil {
		return err
	}
	f.pos[axis] += deg
	return nil
}

func (f *fakeController) GetEnabled(axis string) (bool, error) {
	if err := f.check(axis); err != nil {
		return false, err
	}
	return f.enabled, nil
}

func (f *fakeController) Halt() error {
	f.halted = true
	return nil
}

func newTestServer(t *testing.T) (*fakeController, *httptest.Server) {
	t.Helper()
	fc := newFakeController()
	srv := httptest.NewServer(NewHTTPMotionController(fc).Router())
	t.Cleanup(srv.Close)
	return fc, srv
}

func TestGetPos(t *testing.T) {
	fc, srv := newTestServer(t)
	fc.pos["az"] = 42.5

	resp, err := http.Get(srv.URL + "/axis/az/pos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var f FloatT
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 42.5 {
		t.Errorf("pos = %v, want 42.5", f.F64)
	}
}

func TestGetPosUnknownAxis(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/axis/yaw/pos")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSetPosAbsoluteAndRelative(t *testing.T) {
	fc, srv := newTestServer(t)

	post := func(url string, v float64) {
		t.Helper()
		b, _ := json.Marshal(FloatT{F64: v})
		resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
	post(srv.URL+"/axis/el/pos", 30)
	if fc.pos["el"] != 30 {
		t.Errorf("absolute move landed at %v, want 30", fc.pos["el"])
	}
	post(srv.URL+"/axis/el/pos?relative=true", -10)
	if fc.pos["el"] != 20 {
		t.Errorf("relative move landed at %v, want 20", fc.pos["el"])
	}
}

func TestGetEnabled(t *testing.T) {
	fc, srv := newTestServer(t)
	fc.enabled = false

	resp, err := http.Get(srv.URL + "/axis/az/enabled")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b BoolT
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Bool {
		t.Error("enabled = true, want false")
	}
}

func TestHaltRoutes(t *testing.T) {
	for _, path := range []string{"/stop", "/axis/az/stop"} {
		fc, srv := newTestServer(t)
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if !fc.halted {
			t.Errorf("%s did not halt the controller", path)
		}
	}
}

func TestRouteProbing(t *testing.T) {
	full := NewHTTPMotionController(newFakeController())
	if len(full.RT()) != 5 {
		t.Errorf("full controller has %d routes, want 5: %v", len(full.RT()), full.RT().ListEndpoints())
	}
}
