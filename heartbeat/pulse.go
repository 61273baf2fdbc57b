package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// State of a Pulse.
type State string

const (
	StateIdle    State = "idle"
	StateAlive   State = "alive"
	StateStopped State = "stopped"
)

// BeatFunc writes one heartbeat.
type BeatFunc func(ctx context.Context) error

// PulseConfig configures a Pulse.
type PulseConfig struct {
	// Beat is called once on Start and then every Interval.
	Beat BeatFunc

	// Interval between beats.
	// Default: 1 second
	Interval time.Duration

	// OnError receives failed beats. Failures never stop the pulse.
	OnError func(error)
}

// Validate checks the configuration.
func (c *PulseConfig) Validate() error {
	if c.Beat == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultPulseConfig returns configuration with sensible defaults.
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		Interval: time.Second,
	}
}

// Pulse calls a BeatFunc on a fixed period until stopped.
// It moves idle -> alive on Start and alive -> stopped on Stop, and never
// restarts.
type Pulse struct {
	beat     BeatFunc
	interval time.Duration
	onError  func(error)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	beats atomic.Int64
}

// NewPulse creates a pulse in the idle state.
func NewPulse(cfg PulseConfig) (*Pulse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultPulseConfig().Interval
	}

	return &Pulse{
		beat:     cfg.Beat,
		interval: interval,
		onError:  cfg.OnError,
		state:    StateIdle,
	}, nil
}

// Start fires the first beat immediately and then one per interval.
// The beat context is derived from ctx and cancelled by Stop.
func (p *Pulse) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.state = StateAlive

	go p.run(ctx)
	return nil
}

// run is the main beat loop.
func (p *Pulse) run(ctx context.Context) {
	defer close(p.doneCh)

	p.fire(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// A tick racing Stop must not produce a beat.
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.fire(ctx)
		}
	}
}

func (p *Pulse) fire(ctx context.Context) {
	p.beats.Add(1)
	err := p.beat(ctx)
	if err == nil || p.onError == nil {
		return
	}
	// Errors caused by our own shutdown are not worth reporting.
	if ctx.Err() != nil {
		return
	}
	p.onError(err)
}

// Stop ends the pulse, cancels an in-flight beat and waits for it to
// return. No beat starts after Stop returns.
func (p *Pulse) Stop() error {
	p.mu.Lock()
	if p.state != StateAlive {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.state = StateStopped
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	<-p.doneCh
	return nil
}

// State returns the current state.
func (p *Pulse) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Beats returns how many beats have been attempted.
func (p *Pulse) Beats() int64 {
	return p.beats.Load()
}
