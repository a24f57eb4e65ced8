package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/willothy/recomp/internal/compose"
	"github.com/willothy/recomp/internal/gpu"
	"github.com/willothy/recomp/internal/hud"
	"github.com/willothy/recomp/internal/present"
)

func (s *Session) handleTick(tick present.Tick) {
	name := tick.Output
	action, seq := s.sched.OnVSync(name, s.pendingFor(name))
	switch action {
	case present.ActionPresent:
		s.presentFrame(name)
		// Start the next frame right away when more damage waits, so
		// continuous updates reach the full refresh rate.
		if next, ok := s.sched.TryCompose(name, s.pendingFor(name)); ok {
			s.startCompose(name, next)
		}
	case present.ActionCompose:
		s.startCompose(name, seq)
	case present.ActionDropped:
		s.log.Debug().Str("output", name).Msg("Refresh pulse dropped, frame still composing")
	}
}

// startCompose snapshots the scene on the event loop, then builds and
// submits the frame on its own goroutine so protocol events keep flowing
// while the device works.
func (s *Session) startCompose(name string, seq uint64) {
	out, ok := s.outputsByName[name]
	if !ok {
		return
	}
	surfaces := s.reg.Snapshot()
	dmg, extra := s.takeDamage(name)
	target := compose.Target{Name: name, Rect: out.Rect}
	clear := s.clearColor()

	go func() {
		frame := s.comp.Build(target, surfaces, dmg, seq)
		for _, r := range extra {
			dr := r.Sub(out.Rect.Min)
			if !dr.Empty() {
				frame.Damage = append(frame.Damage, dr)
			}
		}
		// Nothing visible changed. Skipped surfaces still ride back so
		// their damage is re-marked.
		if len(frame.Damage) == 0 {
			s.completions <- frameResult{output: name, frame: frame, aborted: true}
			return
		}

		fence := s.mgr.InsertReleaseFence(frame.Layers)
		sub := s.dev.Compose(frame.Desc(clear), frame.Layers)
		<-sub.Done()
		s.completions <- frameResult{
			output: name,
			frame:  frame,
			img:    sub.Image(),
			err:    sub.Err(),
			fence:  fence,
		}
	}()
}

func (s *Session) handleCompletion(res frameResult) error {
	if res.aborted {
		s.sched.FrameAborted(res.output)
		if res.frame != nil {
			for _, win := range res.frame.Skipped {
				s.markFullSurface(win)
			}
		}
		return nil
	}

	// The device has finished reading the layer textures.
	if res.fence != nil {
		res.fence.Signal()
	}

	if res.err != nil {
		s.sched.FrameAborted(res.output)
		s.log.Error().Err(res.err).Str("output", res.output).Msg("Composition failed")
		// Whatever was lost repaints in full next frame.
		if out, ok := s.outputsByName[res.output]; ok {
			s.extra[res.output] = []image.Rectangle{out.Rect}
		}
		s.publish(Notice{Type: "frame_failed", Output: res.output, Seq: res.frame.Seq})
		if errors.Is(res.err, gpu.ErrDeviceLost) {
			return fmt.Errorf("failed to compose frame: %w", res.err)
		}
		return nil
	}

	for _, win := range res.frame.Skipped {
		s.markFullSurface(win)
		s.publish(Notice{Type: "skipped", Window: uint32(win), Output: res.output, Seq: res.frame.Seq})
	}

	damaged := res.frame.Damage
	if s.hud != nil {
		st := s.sched.Stats()[res.output]
		box := s.hud.Render(res.img, hud.Stats{
			Output:   res.output,
			FPS:      st.FPS,
			Seq:      res.frame.Seq,
			Surfaces: len(res.frame.Layers),
			Dropped:  st.Dropped,
		})
		damaged = append(damaged, box)
		if last, ok := s.lastHud[res.output]; ok && last != box {
			damaged = append(damaged, last)
		}
		s.lastHud[res.output] = box
	}

	s.ready[res.output] = &readyFrame{img: res.img, damaged: damaged, seq: res.frame.Seq}
	s.sched.FrameSubmitted(res.output)
	return nil
}

// presentFrame hands the parked frame to the output's sinks at its vsync.
func (s *Session) presentFrame(name string) {
	rf := s.ready[name]
	delete(s.ready, name)
	if rf == nil {
		s.log.Warn().Str("output", name).Msg("Present with no parked frame")
		s.sched.FramePresented(name)
		return
	}

	for _, sink := range s.sinks[name] {
		if !sink.IsRunning() {
			continue
		}
		if err := sink.WriteFrame(rf.img, rf.damaged); err != nil {
			s.log.Warn().Err(err).Str("output", name).Msg("Frame write failed")
		}
	}

	s.stateMu.Lock()
	s.lastFrame[name] = rf.img
	s.stateMu.Unlock()

	s.sched.FramePresented(name)
	s.publish(Notice{Type: "presented", Output: name, Seq: rf.seq})
}

func (s *Session) clearColor() color.NRGBA {
	cc := s.cfg.ClearColor
	return color.NRGBA{
		R: clampByte(cc.R),
		G: clampByte(cc.G),
		B: clampByte(cc.B),
		A: clampByte(cc.A),
	}
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
