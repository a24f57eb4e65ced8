package present

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
)

// Tick is one vsync pulse for one output.
type Tick struct {
	Output string
	Time   time.Time
}

// Clock synthesizes vsync pulses, one ticker goroutine per output at that
// output's refresh rate. Pulses the consumer is too busy to take are
// discarded; a stale pulse has no value.
type Clock struct {
	mu      sync.Mutex
	ticks   chan Tick
	stop    chan struct{}
	wg      sync.WaitGroup
	stopped bool

	log *zerolog.Logger
}

// NewClock creates a clock with no outputs.
func NewClock() *Clock {
	return &Clock{
		ticks: make(chan Tick, 8),
		stop:  make(chan struct{}),
		log:   logger.WithComponent("frame-clock"),
	}
}

// Start begins pulsing for an output at the given rate.
func (c *Clock) Start(output string, hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("invalid refresh rate %v for output %s", hz, output)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("clock is stopped")
	}

	period := time.Duration(float64(time.Second) / hz)
	c.wg.Add(1)
	go c.run(output, period)

	c.log.Debug().Str("output", output).Float64("hz", hz).Dur("period", period).Msg("Frame clock started")
	return nil
}

func (c *Clock) run(output string, period time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			select {
			case c.ticks <- Tick{Output: output, Time: now}:
			default:
				// Consumer busy; drop the pulse.
			}
		}
	}
}

// Ticks returns the merged pulse stream for all outputs.
func (c *Clock) Ticks() <-chan Tick {
	return c.ticks
}

// Stop terminates every ticker and waits for them to exit. The tick
// channel stays open but quiet, so a consumer mid-select is unaffected.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
}
