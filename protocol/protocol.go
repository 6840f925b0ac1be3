/*Package protocol implements the line-delimited command and status protocol
spoken between the host and the motor microcontroller.

Every record is one UTF-8 line.  Host to device, a record is either a
JSON-encoded motion command (single axis or both axes at once) or the stop
sentinel, which is a bare JSON string rather than an object so that it can be
recognized without schema knowledge.  Device to host, a record is a status
line of the form

	STATUS <az>,<el>

which the host parses without a JSON decoder, keeping the hot read path
cheap, or the literal emergency stop acknowledgement.
*/
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/EIGSEP/eigsep-motor-control/util"
)

const (
	// Stop is the sentinel value that interrupts a command in flight.
	Stop = "STOP"

	// EmergencyStop is the device's acknowledgement of a stop.
	EmergencyStop = "EMERGENCY STOP"

	statusTag = "STATUS"
)

// Command is a single-axis motion command.  Pulses is always non-negative;
// the sign of the motion is carried by Dir.
type Command struct {
	// Delay is the half-period between pulse edges, in microseconds.
	Delay int `json:"delay"`

	// Pulses is the total number of steps requested.
	Pulses int `json:"pulses"`

	// Dir is +1 or -1.
	Dir int `json:"dir"`

	// Report is the number of physical steps between two status emissions.
	Report int `json:"report"`

	// Motor selects the axis: 0 for elevation, 1 for azimuth.
	Motor int `json:"motor"`
}

// Axis selector values for Command.Motor.
const (
	MotorElevation = 0
	MotorAzimuth   = 1
)

// DualCommand carries both axes' pulse counts and directions in one record.
type DualCommand struct {
	Delay    int `json:"delay"`
	PulsesAz int `json:"pulses_az"`
	DirAz    int `json:"dir_az"`
	PulsesEl int `json:"pulses_el"`
	DirEl    int `json:"dir_el"`
	Report   int `json:"report"`
}

// Status is one position report from the device.
type Status struct {
	Az int
	El int
}

// Message is the decoded form of one host-to-device line.  Exactly one of
// the fields is meaningful.
type Message struct {
	Stop bool
	Cmd  *Command
	Dual *DualCommand
}

// ErrBadLine is generated when a received line cannot be decoded.  The raw
// line is preserved so the receiver can log it and move on; a bad line is
// never fatal.
type ErrBadLine struct {
	Raw string
}

func (e ErrBadLine) Error() string {
	return fmt.Sprintf("malformed protocol line: %q", e.Raw)
}

// EncodeCommand serializes a single-axis command as one line, without the
// trailing newline (the transport appends its terminator).
func EncodeCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// EncodeDual serializes a dual-axis command as one line.
func EncodeDual(c DualCommand) ([]byte, error) {
	return json.Marshal(c)
}

// EncodeStop returns the stop sentinel line.
func EncodeStop() []byte {
	return []byte(`"` + Stop + `"`)
}

// EncodeStatus formats a status line for the given cumulative positions.
func EncodeStatus(az, el int) []byte {
	return []byte(statusTag + " " + util.IntSliceToCSV([]int{az, el}))
}

// IsStop reports whether the line is the stop sentinel.  Historic senders
// emitted both the bare string form `"STOP"` and the one-element array form
// `["STOP"]`; both are recognized, structurally rather than by substring.
func IsStop(line []byte) bool {
	line = bytes.TrimSpace(line)
	var s string
	if err := json.Unmarshal(line, &s); err == nil {
		return s == Stop
	}
	var arr []string
	if err := json.Unmarshal(line, &arr); err == nil {
		return len(arr) == 1 && arr[0] == Stop
	}
	return false
}

// Decode parses one host-to-device line.  Malformed lines yield ErrBadLine
// with the raw text preserved.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, ErrBadLine{Raw: ""}
	}
	if IsStop(line) {
		return Message{Stop: true}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Message{}, ErrBadLine{Raw: string(line)}
	}
	if _, ok := fields["pulses_az"]; ok {
		var d DualCommand
		if err := json.Unmarshal(line, &d); err != nil {
			return Message{}, ErrBadLine{Raw: string(line)}
		}
		if !validDual(d) {
			return Message{}, ErrBadLine{Raw: string(line)}
		}
		return Message{Dual: &d}, nil
	}
	var c Command
	if err := json.Unmarshal(line, &c); err != nil {
		return Message{}, ErrBadLine{Raw: string(line)}
	}
	if !validCommand(c) {
		return Message{}, ErrBadLine{Raw: string(line)}
	}
	return Message{Cmd: &c}, nil
}

func validCommand(c Command) bool {
	return c.Delay > 0 && c.Pulses >= 0 && c.Report > 0 &&
		(c.Dir == 1 || c.Dir == -1) &&
		(c.Motor == MotorElevation || c.Motor == MotorAzimuth)
}

func validDual(d DualCommand) bool {
	return d.Delay > 0 && d.Report > 0 &&
		d.PulsesAz >= 0 && d.PulsesEl >= 0 &&
		(d.DirAz == 1 || d.DirAz == -1) &&
		(d.DirEl == 1 || d.DirEl == -1)
}

// ParseStatus attempts the fast non-JSON parse of a device status line.
// ok is false for any line that is not a well formed status record.
func ParseStatus(line []byte) (Status, bool) {
	f := strings.Fields(string(bytes.TrimSpace(line)))
	if len(f) != 2 || f[0] != statusTag {
		return Status{}, false
	}
	pair := strings.Split(f[1], ",")
	if len(pair) != 2 {
		return Status{}, false
	}
	az, err := strconv.Atoi(pair[0])
	if err != nil {
		return Status{}, false
	}
	el, err := strconv.Atoi(pair[1])
	if err != nil {
		return Status{}, false
	}
	return Status{Az: az, El: el}, true
}

// IsEmergencyStop reports whether a device line acknowledges a stop.
func IsEmergencyStop(line []byte) bool {
	return bytes.Contains(line, []byte(EmergencyStop))
}

// ExpectedStatusLines returns the number of status lines the device emits
// for a command that runs to normal completion: one per report interval plus
// the final report.
func ExpectedStatusLines(pulses, report int) int {
	return pulses/report + 1
}
