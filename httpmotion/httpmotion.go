/*Package httpmotion exposes the host session over HTTP with small
per-concern interfaces, so the antenna can be driven by anything that can
speak JSON to a socket.

A controller is wrapped by probing which interfaces its concrete type
satisfies; each satisfied interface contributes its routes to the table, and
the table binds onto a chi router.  Payloads are single-field JSON objects
({"f64": v}, {"bool": v}) so they stay readable from curl.
*/
package httpmotion

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// MethodPath is a route table key.
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method+path to handlers.
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches every route in the table to the router.
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.Method(mp.Method, mp.Path, h)
	}
}

// ListEndpoints returns the route paths in the table; ordering is not
// specified.
func (rt RouteTable) ListEndpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.Method+" "+mp.Path)
	}
	return out
}

// HTTPer is a type that can yield its route table.
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a wrapper for a float value.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a wrapper for a bool value.
type BoolT struct {
	Bool bool `json:"bool"`
}

// Mover describes an interface with position-related methods for axes.
type Mover interface {
	// GetPos gets the current position of an axis in degrees
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error
}

// Enabler describes an interface that reports whether an axis will move.
type Enabler interface {
	// GetEnabled gets if an axis is enabled
	GetEnabled(string) (bool, error)
}

// Halter describes an interface with an emergency stop.  The stepper link
// carries one global stop, so Halter is not per-axis.
type Halter interface {
	Halt() error
}

// HTTPMove adds routes for the mover to the route table.
func HTTPMove(iface Mover, table RouteTable) {
	table[MethodPath{http.MethodGet, "/axis/{axis}/pos"}] = GetPos(iface)
	table[MethodPath{http.MethodPost, "/axis/{axis}/pos"}] = SetPos(iface)
}

// HTTPEnable adds routes for the enabler to the route table.
func HTTPEnable(iface Enabler, table RouteTable) {
	table[MethodPath{http.MethodGet, "/axis/{axis}/enabled"}] = GetEnabled(iface)
}

// HTTPHalt adds the stop routes to the route table.  Both spellings halt
// all motion.
func HTTPHalt(iface Halter, table RouteTable) {
	table[MethodPath{http.MethodPost, "/stop"}] = Halt(iface)
	table[MethodPath{http.MethodPost, "/axis/{axis}/stop"}] = Halt(iface)
}

// GetPos returns an HTTP handler func that gets the position of an axis.
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		pos, err := m.GetPos(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(FloatT{F64: pos})
	}
}

// SetPos returns an HTTP handler func that triggers an absolute or relative
// move on an axis based on the relative query parameter.
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		relative := r.URL.Query().Get("relative") == "true"
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if relative {
			err = m.MoveRel(axis, f.F64)
		} else {
			err = m.MoveAbs(axis, f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetEnabled returns an HTTP handler func that reports if the axis is
// enabled.
func GetEnabled(e Enabler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		enabled, err := e.GetEnabled(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(BoolT{Bool: enabled})
	}
}

// Halt returns an HTTP handler func that fires the emergency stop.
func Halt(h Halter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Halt(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPMotionController wraps a motion controller with HTTP.
type HTTPMotionController struct {
	Mover

	RouteTable RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table
// pre-configured; interfaces beyond Mover contribute routes only when the
// concrete type satisfies them.
func NewHTTPMotionController(m Mover) HTTPMotionController {
	w := HTTPMotionController{Mover: m}
	rt := RouteTable{}
	HTTPMove(m, rt)
	if enabler, ok := m.(Enabler); ok {
		HTTPEnable(enabler, rt)
	}
	if halter, ok := m.(Halter); ok {
		HTTPHalt(halter, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface.
func (h HTTPMotionController) RT() RouteTable {
	return h.RouteTable
}

// Router builds a chi router with request logging and every route bound.
func (h HTTPMotionController) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	h.RouteTable.Bind(r)
	return r
}
