/*Package comm provides line-oriented communication with the motor
microcontroller over a serial link or TCP.

The device speaks newline-terminated UTF-8 records (see package protocol).
LineDevice owns the connection; Open retries with an exponential backoff
because freshly reset microcontrollers take a moment to enumerate.
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/util"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const terminator = byte('\n')

// DefaultBaud is the link rate used by all deployments.
const DefaultBaud = 115200

// ErrNotConnected is generated when Conn is nil and Send or Recv is called.
var ErrNotConnected = errors.New("conn is nil, not connected to remote")

// LineDevice has an address and exchanges newline-terminated records.
type LineDevice struct {
	Addr     string
	IsSerial bool
	Baud     int
	Conn     io.ReadWriteCloser

	rdr *bufio.Reader
}

// NewLineDevice creates a new LineDevice instance.  addr is a tty path when
// isSerial is true (e.g. /dev/ttyACM0), otherwise host:port.
func NewLineDevice(addr string, isSerial bool) *LineDevice {
	return &LineDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Baud:     DefaultBaud,
	}
}

// SerialConf yields the serial config for this device: 8N1 at the configured
// baud with a read timeout so blocked reads can be abandoned.
func (ld *LineDevice) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        ld.Addr,
		Baud:        ld.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second,
	}
}

// Open the connection, setting the Conn variable.  Refusals are retried
// with an exponential backoff; a device that never answers yields a
// connection timeout error.
func (ld *LineDevice) Open() error {
	wasTimeout := false
	op := func() error {
		err := ld.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || strings.Contains(errS, "busy") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff ceases on a timeout so we don't wait forever; we need to
	// check for err != nil && !wasTimeout afterwards
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", ld.Addr)
	}
	return err
}

func (ld *LineDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if ld.IsSerial {
		conn, err = serial.OpenPort(ld.SerialConf())
	} else {
		c, err2 := util.TCPSetup(ld.Addr, 3*time.Second)
		if err2 != nil {
			return err2
		}
		// the timeout governs the dial only; sessions are long-lived
		c.SetDeadline(time.Time{})
		conn = c
	}
	if err != nil {
		return err
	}
	ld.Use(conn)
	return nil
}

// Use adopts an already open connection, e.g. a pipe in tests or the
// process's stdio on the device side.
func (ld *LineDevice) Use(conn io.ReadWriteCloser) {
	ld.Conn = conn
	ld.rdr = bufio.NewReader(conn)
}

// Close the connection, nil-ing the Conn variable.
func (ld *LineDevice) Close() error {
	if ld.Conn == nil {
		return nil
	}
	err := ld.Conn.Close()
	if err == nil {
		ld.Conn = nil
		ld.rdr = nil
	}
	return err
}

// Send writes one record to the remote, appending the terminator.
func (ld *LineDevice) Send(b []byte) error {
	if ld.Conn == nil {
		return ErrNotConnected
	}
	b = append(b, terminator)
	_, err := ld.Conn.Write(b)
	return err
}

// Recv receives one record from the remote with the terminator stripped.
func (ld *LineDevice) Recv() ([]byte, error) {
	if ld.Conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := ld.rdr.ReadBytes(terminator)
	if err != nil {
		return buf, err
	}
	return buf[:len(buf)-1], nil
}

// SendRecv sends a record and returns the next record received.
func (ld *LineDevice) SendRecv(b []byte) ([]byte, error) {
	if err := ld.Send(b); err != nil {
		return nil, err
	}
	return ld.Recv()
}
