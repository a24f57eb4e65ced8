package present

import (
	"testing"
	"time"
)

func TestClockDeliversTicks(t *testing.T) {
	c := NewClock()
	defer c.Stop()

	if err := c.Start("DP-1", 100); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	got := 0
	for got < 3 {
		select {
		case tick := <-c.Ticks():
			if tick.Output != "DP-1" {
				t.Fatalf("tick for wrong output: %s", tick.Output)
			}
			got++
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", got)
		}
	}
}

func TestClockRejectsBadRate(t *testing.T) {
	c := NewClock()
	defer c.Stop()

	if err := c.Start("DP-1", 0); err == nil {
		t.Error("zero rate accepted")
	}
	if err := c.Start("DP-1", -60); err == nil {
		t.Error("negative rate accepted")
	}
}

func TestClockStop(t *testing.T) {
	c := NewClock()
	if err := c.Start("DP-1", 200); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	c.Stop()

	// Drain anything emitted before the stop, then expect silence.
	for {
		select {
		case <-c.Ticks():
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	select {
	case <-c.Ticks():
		t.Error("tick after stop")
	case <-time.After(50 * time.Millisecond):
	}

	// Stop twice is fine, and late starts are refused.
	c.Stop()
	if err := c.Start("HDMI-1", 60); err == nil {
		t.Error("start accepted after stop")
	}
}
