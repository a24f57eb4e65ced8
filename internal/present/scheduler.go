package present

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
)

// State is one output's position in the frame cycle.
type State int

const (
	// StateIdle means no frame is in flight; damage may start one.
	StateIdle State = iota
	// StateComposing means a frame is being built and submitted.
	StateComposing
	// StateSubmitted means a composed frame waits for the next vsync.
	StateSubmitted
	// StatePresented means the frame is being written out right now.
	StatePresented
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateSubmitted:
		return "submitted"
	case StatePresented:
		return "presented"
	default:
		return "unknown"
	}
}

// Action is what the session should do in response to a vsync pulse.
type Action int

const (
	// ActionNone: nothing pending, the pulse is a no-op.
	ActionNone Action = iota
	// ActionCompose: start building the next frame.
	ActionCompose
	// ActionPresent: write the submitted frame to the output's sinks.
	ActionPresent
	// ActionDropped: a frame is still composing, the pulse is discarded.
	ActionDropped
)

type outputState struct {
	state       State
	seq         uint64
	composed    uint64
	presented   uint64
	dropped     uint64
	lastPresent time.Time
	fps         float64
}

// OutputStats is a read-only snapshot of one output's pacing counters.
type OutputStats struct {
	State     string  `json:"state"`
	Seq       uint64  `json:"seq"`
	Composed  uint64  `json:"composed"`
	Presented uint64  `json:"presented"`
	Dropped   uint64  `json:"dropped"`
	FPS       float64 `json:"fps"`
}

// Scheduler paces frame production per output. Each output cycles
// Idle -> Composing -> Submitted -> Presented -> Idle; composition only
// starts from Idle, which keeps at most one frame in flight however slow
// the device is. Vsync pulses arriving while a frame composes are dropped.
type Scheduler struct {
	mu      sync.Mutex
	outputs map[string]*outputState
	log     *zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		outputs: make(map[string]*outputState),
		log:     logger.WithComponent("present"),
	}
}

// Register adds an output in Idle state.
func (s *Scheduler) Register(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outputs[output]; !ok {
		s.outputs[output] = &outputState{}
	}
}

// OnVSync advances the output for one refresh pulse and returns what to
// do. The returned seq identifies the frame to compose or present.
func (s *Scheduler) OnVSync(output string, damagePending bool) (Action, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.outputs[output]
	if o == nil {
		return ActionNone, 0
	}

	switch o.state {
	case StateSubmitted:
		o.state = StatePresented
		return ActionPresent, o.seq
	case StateComposing:
		o.dropped++
		return ActionDropped, o.seq
	case StateIdle:
		if damagePending {
			o.state = StateComposing
			o.seq++
			return ActionCompose, o.seq
		}
		return ActionNone, o.seq
	default:
		return ActionNone, o.seq
	}
}

// TryCompose starts the next frame immediately after a present, without
// waiting for another pulse. Under continuous damage this keeps one frame
// presenting while the next composes.
func (s *Scheduler) TryCompose(output string, damagePending bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.outputs[output]
	if o == nil || o.state != StateIdle || !damagePending {
		return 0, false
	}
	o.state = StateComposing
	o.seq++
	return o.seq, true
}

// FrameSubmitted records that the composing frame finished its device
// pass and now waits for vsync.
func (s *Scheduler) FrameSubmitted(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.outputs[output]
	if o == nil {
		return
	}
	if o.state != StateComposing {
		s.log.Warn().Str("output", output).Str("state", o.state.String()).Msg("Submit outside composing state")
		return
	}
	o.state = StateSubmitted
	o.composed++
}

// FrameAborted returns a failed or empty composition to Idle.
func (s *Scheduler) FrameAborted(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.outputs[output]
	if o == nil {
		return
	}
	if o.state != StateComposing {
		s.log.Warn().Str("output", output).Str("state", o.state.String()).Msg("Abort outside composing state")
		return
	}
	o.state = StateIdle
}

// FramePresented completes the cycle after the sinks consumed the frame.
func (s *Scheduler) FramePresented(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.outputs[output]
	if o == nil {
		return
	}
	if o.state != StatePresented {
		s.log.Warn().Str("output", output).Str("state", o.state.String()).Msg("Present completion outside presented state")
		return
	}
	o.state = StateIdle
	o.presented++

	now := time.Now()
	if !o.lastPresent.IsZero() {
		if dt := now.Sub(o.lastPresent).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if o.fps == 0 {
				o.fps = inst
			} else {
				o.fps = o.fps*0.9 + inst*0.1
			}
		}
	}
	o.lastPresent = now
}

// State returns the output's current cycle position.
func (s *Scheduler) State(output string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.outputs[output]; o != nil {
		return o.state
	}
	return StateIdle
}

// Stats snapshots every output's counters.
func (s *Scheduler) Stats() map[string]OutputStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]OutputStats, len(s.outputs))
	for name, o := range s.outputs {
		out[name] = OutputStats{
			State:     o.state.String(),
			Seq:       o.seq,
			Composed:  o.composed,
			Presented: o.presented,
			Dropped:   o.dropped,
			FPS:       o.fps,
		}
	}
	return out
}
