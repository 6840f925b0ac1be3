/*Package device implements the microcontroller side of the motion protocol:
read one command line, execute its full pulse train, report status, repeat.

Commands never overlap.  The only thing that can interrupt a pulse train is
the stop sentinel, which a dedicated reader goroutine latches into a
lock-free flag the moment the line arrives; the stepping loop polls the flag
between pulses, so motion halts within one pulse period of receipt.
*/
package device

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/EIGSEP/eigsep-motor-control/comm"
	"github.com/EIGSEP/eigsep-motor-control/protocol"
	"github.com/EIGSEP/eigsep-motor-control/tracker"
	"github.com/EIGSEP/eigsep-motor-control/util"
)

// Device executes motion commands against the two axes.
type Device struct {
	link *comm.LineDevice
	az   *tracker.Axis
	el   *tracker.Axis

	stop util.Signal
	cmds chan protocol.Message

	// wmu serializes line writes between the reader goroutine (stop
	// acknowledgements) and the stepping loop (status reports).
	wmu sync.Mutex
}

// New wires the command loop to an open link and the two axes.
func New(link *comm.LineDevice, az, el *tracker.Axis) *Device {
	return &Device{
		link: link,
		az:   az,
		el:   el,
		cmds: make(chan protocol.Message, 16),
	}
}

// Run processes commands until the context is canceled or the link closes.
// Both axes are forced safe and their step buffers flushed on the way out.
func (d *Device) Run(ctx context.Context) error {
	go d.readLoop()
	defer func() {
		if err := d.az.Close(); err != nil {
			log.Printf("device: error closing azimuth, %v", err)
		}
		if err := d.el.Close(); err != nil {
			log.Printf("device: error closing elevation, %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.cmds:
			if !ok {
				return nil
			}
			switch {
			case msg.Stop:
				// a stop that arrives between commands halts
				// nothing; drop the latch so it cannot abort
				// motion commanded later
				d.stop.Clear()
			case msg.Cmd != nil:
				d.execute(msg.Cmd)
			case msg.Dual != nil:
				d.executeDual(msg.Dual)
			}
		}
	}
}

// readLoop decodes incoming lines and feeds them to Run.  Stop sentinels
// are latched and acknowledged here, not in the command queue, so an
// executing pulse train observes them immediately.
func (d *Device) readLoop() {
	defer close(d.cmds)
	for {
		line, err := d.link.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("device: link read failed, %v", err)
			}
			return
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			log.Printf("bad cmd: %s", line)
			continue
		}
		if msg.Stop {
			d.stop.Set()
			d.send([]byte(protocol.EmergencyStop))
			// motion queued ahead of the stop is superseded; flushing
			// also guarantees room for the stop marker itself
			d.flushQueue()
		}
		select {
		case d.cmds <- msg:
		default:
			// the host is far ahead of the motor; dropping keeps this
			// loop reading, so a stop line is never stuck behind a
			// stale backlog
			log.Printf("device: command queue full, dropping %s", line)
		}
	}
}

func (d *Device) flushQueue() {
	for {
		select {
		case <-d.cmds:
		default:
			return
		}
	}
}

func (d *Device) send(line []byte) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if err := d.link.Send(line); err != nil {
		log.Printf("device: link write failed, %v", err)
	}
}

func (d *Device) status() {
	d.send(protocol.EncodeStatus(d.az.Count(), d.el.Count()))
}

// execute runs one single-axis command to completion, early stop, or limit.
func (d *Device) execute(c *protocol.Command) {
	ax := d.el
	if c.Motor == protocol.MotorAzimuth {
		ax = d.az
	}
	delay := time.Duration(c.Delay) * time.Microsecond
	if err := ax.SetTarget(delay, c.Pulses, c.Dir); err != nil {
		log.Printf("device: error enabling axis, %v", err)
		d.status()
		return
	}
	for i := 1; i <= c.Pulses; i++ {
		if d.stop.IsSet() {
			break
		}
		if err := ax.Move(); err != nil {
			log.Printf("device: step failed, %v", err)
		}
		if i%c.Report == 0 {
			d.status()
		}
		if ax.Check(false) {
			break
		}
	}
	d.status()
	ax.Disable()
	d.stop.Clear()
}

// executeDual steps both axes in lockstep until each reaches its own
// target.  Status cadence follows the shared loop index.
func (d *Device) executeDual(c *protocol.DualCommand) {
	delay := time.Duration(c.Delay) * time.Microsecond
	azDone, elDone := c.PulsesAz == 0, c.PulsesEl == 0
	if !azDone {
		if err := d.az.SetTarget(delay, c.PulsesAz, c.DirAz); err != nil {
			log.Printf("device: error enabling azimuth, %v", err)
			azDone = true
		}
	}
	if !elDone {
		if err := d.el.SetTarget(delay, c.PulsesEl, c.DirEl); err != nil {
			log.Printf("device: error enabling elevation, %v", err)
			elDone = true
		}
	}

	max := c.PulsesAz
	if c.PulsesEl > max {
		max = c.PulsesEl
	}
	for i := 1; i <= max && !(azDone && elDone); i++ {
		if d.stop.IsSet() {
			break
		}
		if !azDone {
			if err := d.az.Move(); err != nil {
				log.Printf("device: azimuth step failed, %v", err)
			}
			azDone = d.az.Check(false)
		}
		if !elDone {
			if err := d.el.Move(); err != nil {
				log.Printf("device: elevation step failed, %v", err)
			}
			elDone = d.el.Check(false)
		}
		if i%c.Report == 0 {
			d.status()
		}
	}
	d.status()
	d.az.Disable()
	d.el.Disable()
	d.stop.Clear()
}
