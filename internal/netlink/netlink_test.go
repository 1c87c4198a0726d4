package netlink

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// fakeLink scripts Up responses and counts polls.
type fakeLink struct {
	mu    sync.Mutex
	ups   []bool // consumed in order; last value repeats
	polls int
}

func (f *fakeLink) Up() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.ups) == 0 {
		return false
	}
	up := f.ups[0]
	if len(f.ups) > 1 {
		f.ups = f.ups[1:]
	}
	return up
}

func (f *fakeLink) Reconnect(ctx context.Context) error { return nil }

func (f *fakeLink) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func TestWait_UpImmediately(t *testing.T) {
	link := &fakeLink{ups: []bool{true}}

	if !Wait(context.Background(), link, 40, 500*time.Millisecond, clockwork.NewFakeClock()) {
		t.Fatal("Wait should succeed without sleeping when the link is already up")
	}
	if link.pollCount() != 1 {
		t.Errorf("polls = %d, want 1", link.pollCount())
	}
}

func TestWait_UpOnLaterPoll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := &fakeLink{ups: []bool{false, false, true}}

	result := make(chan bool, 1)
	go func() {
		result <- Wait(context.Background(), link, 5, 500*time.Millisecond, clock)
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(500 * time.Millisecond)
	}

	if !<-result {
		t.Fatal("Wait should succeed once the link comes up")
	}
	if link.pollCount() != 3 {
		t.Errorf("polls = %d, want 3", link.pollCount())
	}
}

func TestWait_ExhaustsAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := &fakeLink{} // never up

	result := make(chan bool, 1)
	go func() {
		result <- Wait(context.Background(), link, 3, 500*time.Millisecond, clock)
	}()

	// attempts=3 means two sleeps between three polls.
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(500 * time.Millisecond)
	}

	if <-result {
		t.Fatal("Wait should time out when the link never comes up")
	}
	if link.pollCount() != 3 {
		t.Errorf("polls = %d, want 3", link.pollCount())
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := &fakeLink{}
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		result <- Wait(ctx, link, 10, 500*time.Millisecond, clock)
	}()

	clock.BlockUntil(1)
	cancel()

	if <-result {
		t.Fatal("Wait should report false on cancellation")
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := TCPProbe(addr)
	if err := probe(context.Background()); err != nil {
		t.Errorf("probe against live listener failed: %v", err)
	}

	ln.Close()
	if err := probe(context.Background()); err == nil {
		t.Error("probe against closed listener should fail")
	}
}

func TestProbeLink(t *testing.T) {
	var healthy bool
	link := &ProbeLink{
		Probe: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("no route")
		},
	}

	if link.Up() {
		t.Error("Up should be false while the probe fails")
	}
	healthy = true
	if !link.Up() {
		t.Error("Up should be true once the probe passes")
	}

	// Nil Rejoin keeps Reconnect a safe no-op.
	if err := link.Reconnect(context.Background()); err != nil {
		t.Errorf("Reconnect with nil Rejoin = %v, want nil", err)
	}
}

func TestCommandRejoin_ExpandsVars(t *testing.T) {
	rejoin := CommandRejoin(
		[]string{"true", "--ssid", "${SSID}"},
		map[string]string{"SSID": "wristnet"},
	)
	if err := rejoin(context.Background()); err != nil {
		t.Errorf("rejoin via /bin/true failed: %v", err)
	}

	rejoin = CommandRejoin(nil, nil)
	if err := rejoin(context.Background()); err != nil {
		t.Errorf("empty rejoin command should be a no-op, got %v", err)
	}
}
