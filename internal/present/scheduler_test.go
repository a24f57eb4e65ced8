package present

import (
	"testing"
)

func TestVSyncIdleNoDamage(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	act, _ := s.OnVSync("DP-1", false)
	if act != ActionNone {
		t.Errorf("expected ActionNone, got %v", act)
	}
	if s.State("DP-1") != StateIdle {
		t.Errorf("state moved without damage: %v", s.State("DP-1"))
	}
}

func TestVSyncStartsCompose(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	act, seq := s.OnVSync("DP-1", true)
	if act != ActionCompose {
		t.Fatalf("expected ActionCompose, got %v", act)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}
	if s.State("DP-1") != StateComposing {
		t.Errorf("expected composing, got %v", s.State("DP-1"))
	}
}

func TestFullCycle(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	if act, _ := s.OnVSync("DP-1", true); act != ActionCompose {
		t.Fatalf("cycle start: got %v", act)
	}
	s.FrameSubmitted("DP-1")
	if s.State("DP-1") != StateSubmitted {
		t.Fatalf("expected submitted, got %v", s.State("DP-1"))
	}

	// The next pulse presents the waiting frame.
	act, seq := s.OnVSync("DP-1", true)
	if act != ActionPresent {
		t.Fatalf("expected ActionPresent, got %v", act)
	}
	if seq != 1 {
		t.Errorf("presented wrong frame: %d", seq)
	}
	s.FramePresented("DP-1")
	if s.State("DP-1") != StateIdle {
		t.Errorf("expected idle after present, got %v", s.State("DP-1"))
	}

	st := s.Stats()["DP-1"]
	if st.Composed != 1 || st.Presented != 1 || st.Dropped != 0 {
		t.Errorf("unexpected counters: %+v", st)
	}
}

func TestSlowDeviceDropsPulses(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	if act, _ := s.OnVSync("DP-1", true); act != ActionCompose {
		t.Fatalf("cycle start: got %v", act)
	}

	// The device takes three refresh periods; every pulse in between is
	// dropped and no second frame ever starts.
	for i := 0; i < 3; i++ {
		act, _ := s.OnVSync("DP-1", true)
		if act != ActionDropped {
			t.Fatalf("pulse %d: expected ActionDropped, got %v", i, act)
		}
		if s.State("DP-1") != StateComposing {
			t.Fatalf("pulse %d: second frame started", i)
		}
	}

	s.FrameSubmitted("DP-1")
	if act, _ := s.OnVSync("DP-1", true); act != ActionPresent {
		t.Fatal("submitted frame never presented")
	}
	s.FramePresented("DP-1")

	st := s.Stats()["DP-1"]
	if st.Dropped != 3 {
		t.Errorf("expected 3 dropped pulses, got %d", st.Dropped)
	}
	if st.Composed != 1 {
		t.Errorf("expected 1 composed frame, got %d", st.Composed)
	}
}

func TestTryComposePipelines(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	s.OnVSync("DP-1", true)
	s.FrameSubmitted("DP-1")
	s.OnVSync("DP-1", true)
	s.FramePresented("DP-1")

	// Damage kept arriving; the next frame starts without waiting a
	// pulse.
	seq, ok := s.TryCompose("DP-1", true)
	if !ok {
		t.Fatal("pipelined compose refused")
	}
	if seq != 2 {
		t.Errorf("expected seq 2, got %d", seq)
	}

	// But never a second one in parallel.
	if _, ok := s.TryCompose("DP-1", true); ok {
		t.Error("second concurrent compose allowed")
	}
}

func TestTryComposeRequiresDamage(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	if _, ok := s.TryCompose("DP-1", false); ok {
		t.Error("compose started without damage")
	}
}

func TestFrameAborted(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")

	s.OnVSync("DP-1", true)
	s.FrameAborted("DP-1")
	if s.State("DP-1") != StateIdle {
		t.Errorf("expected idle after abort, got %v", s.State("DP-1"))
	}

	// The cycle restarts cleanly.
	if act, _ := s.OnVSync("DP-1", true); act != ActionCompose {
		t.Error("compose refused after abort")
	}
}

func TestUnknownOutput(t *testing.T) {
	s := NewScheduler()

	if act, _ := s.OnVSync("nope", true); act != ActionNone {
		t.Errorf("unregistered output acted: %v", act)
	}
	// Completions for unknown outputs must not panic.
	s.FrameSubmitted("nope")
	s.FramePresented("nope")
	s.FrameAborted("nope")
}

func TestOutputsAreIndependent(t *testing.T) {
	s := NewScheduler()
	s.Register("DP-1")
	s.Register("HDMI-1")

	if act, _ := s.OnVSync("DP-1", true); act != ActionCompose {
		t.Fatal("DP-1 compose refused")
	}
	// DP-1 composing does not block HDMI-1.
	if act, _ := s.OnVSync("HDMI-1", true); act != ActionCompose {
		t.Error("HDMI-1 blocked by DP-1")
	}
}
