package player

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
)

type fakeTarget struct {
	openErr   func(gen uint64) error
	opens     atomic.Int32
	commits   atomic.Int32
	discarded atomic.Int32
}

func (f *fakeTarget) openStandby(gen uint64) (*StreamSource, error) {
	f.opens.Add(1)
	return nil, f.openErr(gen)
}

func (f *fakeTarget) commitSwap(uint64, *StreamSource) error {
	f.commits.Add(1)
	return nil
}

func (f *fakeTarget) discardStandby(*StreamSource) {
	f.discarded.Add(1)
}

func schedulerEngine() config.Engine {
	return config.Engine{
		ReconnectInterval: 20 * time.Millisecond,
		SetupTimeout:      time.Second,
		StartTimeout:      time.Second,
		RetryBackoff:      10 * time.Millisecond,
	}
}

func TestSchedulerStateString(t *testing.T) {
	tests := []struct {
		state    SchedulerState
		expected string
	}{
		{SchedulerIdle, "IDLE"},
		{SchedulerPlaying, "PLAYING"},
		{SchedulerPreparingNext, "PREPARING_NEXT"},
		{SchedulerSwapping, "SWAPPING"},
		{SchedulerRecoveringNext, "RECOVERING_NEXT"},
		{SchedulerState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("SchedulerState(%d).String() = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestSchedulerRetriesAfterFailure(t *testing.T) {
	target := &fakeTarget{openErr: func(uint64) error {
		return &TimeoutError{Op: "setup", Err: errors.New("deadline")}
	}}

	var mu sync.Mutex
	var states []SchedulerState
	r := newReconnectScheduler(schedulerEngine(), target, func(s SchedulerState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	r.Start()
	waitFor(t, 2*time.Second, "three failures", func() bool { return r.Failures() >= 3 })
	r.Stop()

	if target.commits.Load() != 0 {
		t.Errorf("commits = %d, want 0", target.commits.Load())
	}
	if r.State() != SchedulerIdle {
		t.Errorf("State() after Stop = %v, want %v", r.State(), SchedulerIdle)
	}

	mu.Lock()
	defer mu.Unlock()
	sawRecovering := false
	for _, s := range states {
		if s == SchedulerRecoveringNext {
			sawRecovering = true
		}
	}
	if !sawRecovering {
		t.Errorf("states = %v, want RECOVERING_NEXT after a failed cycle", states)
	}
	if states[len(states)-1] != SchedulerIdle {
		t.Errorf("last state = %v, want IDLE", states[len(states)-1])
	}
}

func TestSchedulerConflictEndsRun(t *testing.T) {
	target := &fakeTarget{openErr: func(gen uint64) error {
		return &SwapConflictError{Generation: gen, Current: gen + 1}
	}}
	r := newReconnectScheduler(schedulerEngine(), target, nil)

	r.Start()
	waitFor(t, time.Second, "first cycle", func() bool { return target.opens.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)

	if got := target.opens.Load(); got != 1 {
		t.Errorf("opens = %d, a superseded run must not retry", got)
	}
	if r.Failures() != 0 {
		t.Errorf("Failures() = %d, conflicts are not failures", r.Failures())
	}
	r.Stop()
}

func TestSchedulerStopBeforeFire(t *testing.T) {
	target := &fakeTarget{openErr: func(uint64) error { return nil }}
	engine := schedulerEngine()
	engine.ReconnectInterval = time.Hour
	r := newReconnectScheduler(engine, target, nil)

	gen := r.Start()
	if r.State() != SchedulerPlaying {
		t.Errorf("State() after Start = %v, want %v", r.State(), SchedulerPlaying)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}

	if r.Generation() == gen {
		t.Error("Stop() should invalidate the running generation")
	}
	if target.opens.Load() != 0 {
		t.Errorf("opens = %d, want none before the timer fires", target.opens.Load())
	}

	r.Stop()
}

func TestSchedulerRestartBumpsGeneration(t *testing.T) {
	target := &fakeTarget{openErr: func(uint64) error { return nil }}
	engine := schedulerEngine()
	engine.ReconnectInterval = time.Hour
	r := newReconnectScheduler(engine, target, nil)
	defer r.Stop()

	first := r.Start()
	second := r.Start()
	if second <= first {
		t.Errorf("generation after restart = %d, want > %d", second, first)
	}
}
