package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/player"
)

func TestConnectionStatus(t *testing.T) {
	tests := []struct {
		name     string
		snap     player.Snapshot
		expected string
	}{
		{"buffering wins", player.Snapshot{IsBuffering: true, IsPlaying: true}, "Buffering"},
		{"playing", player.Snapshot{IsPlaying: true}, "Connected"},
		{"paused", player.Snapshot{HasStartedOnce: true}, "Disconnected"},
		{"never started", player.Snapshot{}, "Disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := connectionStatus(tt.snap); result != tt.expected {
				t.Errorf("connectionStatus() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{1500 * time.Millisecond, "1s"},
		{2 * time.Minute, "120s"},
	}

	for _, tt := range tests {
		if result := formatElapsed(tt.d); result != tt.expected {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, result, tt.expected)
		}
	}
}

func TestFormatClock(t *testing.T) {
	if result := formatClock(time.Time{}); result != "N/A" {
		t.Errorf("formatClock(zero) = %q, want N/A", result)
	}

	ts := time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local)
	if result := formatClock(ts); result != "14:05:09" {
		t.Errorf("formatClock() = %q, want 14:05:09", result)
	}
}

func TestDebugLines(t *testing.T) {
	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.Local)
	now := start.Add(42 * time.Second)

	playing := player.Snapshot{
		IsPlaying: true,
		Scheduler: player.SchedulerPreparingNext,
		Telemetry: player.TelemetrySnapshot{
			ConnectionStartTime: start,
			ReconnectCount:      3,
			LastReconnectTime:   start.Add(34 * time.Second),
		},
	}

	text := strings.Join(debugLines(playing, now), "\n")
	for _, want := range []string{
		"Status:         Connected",
		"Scheduler:      PREPARING_NEXT",
		"Current Session: 42s",
		"Reconnections:  3",
		"Last Reconnect: 14:00:34",
		"Session Start:  14:00:00",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("debugLines() missing %q in:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Last Error") {
		t.Error("debugLines() shows an error line without an error")
	}

	paused := player.Snapshot{HasStartedOnce: true, LastError: "stream ended"}
	text = strings.Join(debugLines(paused, now), "\n")
	if strings.Contains(text, "Current Session") {
		t.Error("debugLines() shows a session length while not playing")
	}
	for _, want := range []string{"Disconnected", "Last Reconnect: N/A", "Session Start:  N/A", "Last Error:     stream ended"} {
		if !strings.Contains(text, want) {
			t.Errorf("debugLines() missing %q in:\n%s", want, text)
		}
	}
}

func TestHeaderClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 7, 3, 0, time.Local)

	if result := headerClock(now, true); result != "09:07:03" {
		t.Errorf("headerClock(active) = %q, want 09:07:03", result)
	}
	if result := headerClock(now, false); result != "" {
		t.Errorf("headerClock(inactive) = %q, want empty", result)
	}
}
