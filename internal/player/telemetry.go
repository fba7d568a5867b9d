package player

import (
	"sync"
	"time"
)

// TelemetrySnapshot is a copy of the connection counters at one instant.
type TelemetrySnapshot struct {
	ConnectionStartTime time.Time
	ReconnectCount      int
	LastReconnectTime   time.Time
}

// ConnectionTelemetry tracks the current listening session for the debug panel.
type ConnectionTelemetry struct {
	mu                  sync.RWMutex
	connectionStartTime time.Time
	reconnectCount      int
	lastReconnectTime   time.Time
}

func NewConnectionTelemetry() *ConnectionTelemetry {
	return &ConnectionTelemetry{}
}

// MarkConnected records that an active connection started flowing at now.
func (t *ConnectionTelemetry) MarkConnected(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectionStartTime = now
	t.lastReconnectTime = now
}

// RecordReconnect counts one committed swap.
func (t *ConnectionTelemetry) RecordReconnect(now time.Time) {
	t.mu.Lock()
	t.reconnectCount++
	t.lastReconnectTime = now
	t.mu.Unlock()

	reconnectsTotal.Inc()
}

func (t *ConnectionTelemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectionStartTime = time.Time{}
	t.reconnectCount = 0
	t.lastReconnectTime = time.Time{}
}

func (t *ConnectionTelemetry) Snapshot() TelemetrySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TelemetrySnapshot{
		ConnectionStartTime: t.connectionStartTime,
		ReconnectCount:      t.reconnectCount,
		LastReconnectTime:   t.lastReconnectTime,
	}
}

func (t *ConnectionTelemetry) ReconnectCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reconnectCount
}

// SessionDuration is the time elapsed since the connection start, or zero.
func (t *ConnectionTelemetry) SessionDuration(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.connectionStartTime.IsZero() {
		return 0
	}
	return now.Sub(t.connectionStartTime)
}
