package player

import "sync"

const subscriptionBufferSize = 16

// Snapshot is the observable state of a controller at one instant.
type Snapshot struct {
	IsPlaying      bool
	IsMuted        bool
	IsBuffering    bool
	HasStartedOnce bool
	Volume         int
	Title          string
	BufferHealth   int
	LastError      string
	Scheduler      SchedulerState
	Telemetry      TelemetrySnapshot
}

// Subscription delivers state changes. Delivery never blocks the controller:
// when the buffer is full the oldest pending snapshot is dropped.
type Subscription struct {
	StateChanged <-chan Snapshot
	Done         <-chan struct{}

	stateCh   chan Snapshot
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newSubscription() *Subscription {
	stateCh := make(chan Snapshot, subscriptionBufferSize)
	doneCh := make(chan struct{})
	return &Subscription{
		StateChanged: stateCh,
		Done:         doneCh,
		stateCh:      stateCh,
		doneCh:       doneCh,
	}
}

func (s *Subscription) send(snap Snapshot) {
	select {
	case s.stateCh <- snap:
		return
	default:
	}

	select {
	case <-s.stateCh:
	default:
	}

	select {
	case s.stateCh <- snap:
	default:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.doneCh)
	})
}
