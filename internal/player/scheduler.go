package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/rs/zerolog/log"
)

type SchedulerState int

const (
	SchedulerIdle SchedulerState = iota
	SchedulerPlaying
	SchedulerPreparingNext
	SchedulerSwapping
	SchedulerRecoveringNext
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "IDLE"
	case SchedulerPlaying:
		return "PLAYING"
	case SchedulerPreparingNext:
		return "PREPARING_NEXT"
	case SchedulerSwapping:
		return "SWAPPING"
	case SchedulerRecoveringNext:
		return "RECOVERING_NEXT"
	default:
		return "UNKNOWN"
	}
}

// reconnectTarget is the side of the controller the scheduler drives.
type reconnectTarget interface {
	openStandby(gen uint64) (*StreamSource, error)
	commitSwap(gen uint64, next *StreamSource) error
	discardStandby(next *StreamSource)
}

// ReconnectScheduler periodically prepares a standby connection and swaps it
// in before the active one goes stale. Each run is keyed by a generation;
// Stop and Start bump it so a late commit from an old run is rejected.
type ReconnectScheduler struct {
	cfg     config.Engine
	target  reconnectTarget
	onState func(SchedulerState)

	mu       sync.Mutex
	state    SchedulerState
	gen      uint64
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

func newReconnectScheduler(cfg config.Engine, target reconnectTarget, onState func(SchedulerState)) *ReconnectScheduler {
	return &ReconnectScheduler{
		cfg:     cfg.WithDefaults(),
		target:  target,
		onState: onState,
	}
}

// Start (re)arms the lead timer from now. Any previous run is stopped first.
func (r *ReconnectScheduler) Start() uint64 {
	for {
		r.Stop()
		r.mu.Lock()
		if r.cancel == nil {
			break
		}
		r.mu.Unlock()
	}

	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.failures = 0
	r.state = SchedulerPlaying
	done := r.done
	r.mu.Unlock()

	go r.run(ctx, gen, done)

	log.Debug().Uint64("generation", gen).Msgf("Reconnect scheduler armed, next swap in %v", r.cfg.ReconnectInterval)
	r.emitState(SchedulerPlaying)
	return gen
}

// Stop cancels the pending timer or in-flight cycle and waits for the run
// goroutine to exit.
func (r *ReconnectScheduler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.gen++
	changed := r.state != SchedulerIdle
	r.state = SchedulerIdle
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if changed {
		r.emitState(SchedulerIdle)
	}
}

func (r *ReconnectScheduler) State() SchedulerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Failures counts consecutive failed cycles of the current run.
func (r *ReconnectScheduler) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *ReconnectScheduler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *ReconnectScheduler) setState(gen uint64, state SchedulerState) {
	r.mu.Lock()
	if gen != r.gen || r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()

	r.emitState(state)
}

func (r *ReconnectScheduler) emitState(state SchedulerState) {
	if r.onState != nil {
		r.onState(state)
	}
}

func (r *ReconnectScheduler) recordFailure(gen uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.failures++
	}
	return r.failures
}

func (r *ReconnectScheduler) resetFailures(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.failures = 0
	}
}

func (r *ReconnectScheduler) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(r.cfg.ReconnectInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		err := r.cycle(ctx, gen)
		if ctx.Err() != nil {
			return
		}

		var conflict *SwapConflictError
		switch {
		case err == nil:
			swapDuration.Observe(time.Since(started).Seconds())
			r.resetFailures(gen)
			r.setState(gen, SchedulerPlaying)
			timer.Reset(r.cfg.ReconnectInterval)
		case errors.As(err, &conflict):
			log.Debug().Err(err).Msg("Reconnect cycle superseded")
			return
		default:
			observeSetupFailure(err, RoleStandby)
			n := r.recordFailure(gen)
			log.Warn().Err(err).Int("failures", n).Msgf("Standby setup failed, retrying in %v", r.cfg.RetryBackoff)
			r.setState(gen, SchedulerRecoveringNext)
			timer.Reset(r.cfg.RetryBackoff)
		}
	}
}

// cycle runs one make-before-break swap. The active source is never touched
// on failure; the standby is always discarded.
func (r *ReconnectScheduler) cycle(ctx context.Context, gen uint64) error {
	r.setState(gen, SchedulerPreparingNext)

	next, err := r.target.openStandby(gen)
	if err != nil {
		return err
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, r.cfg.SetupTimeout)
	defer cancelSetup()
	if err := next.WaitReady(setupCtx); err != nil {
		r.target.discardStandby(next)
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancelStart()
	if err := next.Start(startCtx); err != nil {
		r.target.discardStandby(next)
		return err
	}

	if r.cfg.SwapDelay > 0 {
		delay := time.NewTimer(r.cfg.SwapDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			r.target.discardStandby(next)
			return ctx.Err()
		case <-next.done:
			delay.Stop()
			r.target.discardStandby(next)
			if err := next.Err(); err != nil {
				return err
			}
			return &TransientStreamError{Op: "swap", Err: ErrSourceDisposed}
		case <-delay.C:
		}
	}

	r.setState(gen, SchedulerSwapping)
	if err := r.target.commitSwap(gen, next); err != nil {
		r.target.discardStandby(next)
		return err
	}
	return nil
}
