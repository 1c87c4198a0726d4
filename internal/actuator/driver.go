// Package actuator drives the wristband solenoid through timed pulse
// sequences on a single digital output pin.
package actuator

import (
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
)

// Boot diagnostic pulse counts. On hardware with no display, the
// startup outcome is signaled by how many times the solenoid fires.
const (
	BootReady       = 1 // link and channel both up
	BootChannelDown = 2 // link up, channel handshake failed
	BootLinkDown    = 3 // link never came up
)

// Driver pulses one GPIO output. Pin writes are assumed to succeed;
// there is no failure mode and no return value on Trigger.
type Driver struct {
	pin   gpio.PinIO
	pulse time.Duration
	gap   time.Duration
	clock clockwork.Clock
}

// New creates a Driver. pulse is how long the pin stays High per tap,
// gap the Low hold after each tap. A nil clock means real time.
func New(pin gpio.PinIO, pulse, gap time.Duration, clock clockwork.Clock) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{pin: pin, pulse: pulse, gap: gap, clock: clock}
}

// Init drives the pin to its inactive level. Run once at startup
// before anything else touches the hardware.
func (d *Driver) Init() {
	d.pin.Out(gpio.Low)
}

// Trigger fires the solenoid taps times: High for the pulse width,
// then Low for the gap. It blocks the caller for the whole sequence;
// the control loop deliberately processes nothing else while a
// sequence runs. taps values below one do nothing.
func (d *Driver) Trigger(taps int) {
	for n := 0; n < taps; n++ {
		d.pin.Out(gpio.High)
		d.clock.Sleep(d.pulse)
		d.pin.Out(gpio.Low)
		d.clock.Sleep(d.gap)
	}
}
