package actuator

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// recordPin captures every level written so tests can check the full
// pulse pattern, not just the final state.
type recordPin struct {
	gpiotest.Pin

	mu     sync.Mutex
	levels []gpio.Level
}

func (p *recordPin) Out(l gpio.Level) error {
	p.mu.Lock()
	p.levels = append(p.levels, l)
	p.mu.Unlock()
	return p.Pin.Out(l)
}

func (p *recordPin) written() []gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gpio.Level(nil), p.levels...)
}

func newTestDriver(pulse, gap time.Duration) (*Driver, *recordPin) {
	pin := &recordPin{Pin: gpiotest.Pin{N: "TEST0"}}
	return New(pin, pulse, gap, clockwork.NewRealClock()), pin
}

func TestTrigger_PulsePattern(t *testing.T) {
	d, pin := newTestDriver(time.Millisecond, time.Millisecond)

	d.Trigger(3)

	want := []gpio.Level{
		gpio.High, gpio.Low,
		gpio.High, gpio.Low,
		gpio.High, gpio.Low,
	}
	got := pin.written()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTrigger_NonPositiveDoesNothing(t *testing.T) {
	d, pin := newTestDriver(time.Millisecond, time.Millisecond)

	d.Trigger(0)
	d.Trigger(-3)

	if got := pin.written(); len(got) != 0 {
		t.Errorf("writes = %v, want none", got)
	}
}

func TestTrigger_TimingThroughClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pin := &recordPin{Pin: gpiotest.Pin{N: "TEST0"}}
	d := New(pin, 100*time.Millisecond, 750*time.Millisecond, clock)

	done := make(chan struct{})
	go func() {
		d.Trigger(1)
		close(done)
	}()

	// The pin must stay asserted for the full pulse width.
	clock.BlockUntil(1)
	if got := pin.written(); len(got) != 1 || got[0] != gpio.High {
		t.Fatalf("writes before pulse elapsed = %v, want [High]", got)
	}

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	if got := pin.written(); len(got) != 2 || got[1] != gpio.Low {
		t.Fatalf("writes after pulse elapsed = %v, want [High Low]", got)
	}

	// And the sequence only completes after the inactive gap.
	select {
	case <-done:
		t.Fatal("Trigger returned before the gap elapsed")
	default:
	}
	clock.Advance(750 * time.Millisecond)
	<-done
}

func TestInit_DrivesPinInactive(t *testing.T) {
	d, pin := newTestDriver(time.Millisecond, time.Millisecond)

	d.Init()

	got := pin.written()
	if len(got) != 1 || got[0] != gpio.Low {
		t.Errorf("writes = %v, want [Low]", got)
	}
}

func TestBootCodesAreDistinct(t *testing.T) {
	codes := map[int]string{
		BootReady:       "ready",
		BootChannelDown: "channel down",
		BootLinkDown:    "link down",
	}
	if len(codes) != 3 {
		t.Errorf("boot pulse counts must be pairwise distinct, got %v", codes)
	}
}
