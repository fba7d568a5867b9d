package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/rivo/tview"
)

const clockLayout = "15:04:05"

func connectionStatus(snap player.Snapshot) string {
	switch {
	case snap.IsBuffering:
		return "Buffering"
	case snap.IsPlaying:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// formatElapsed renders a session length in whole seconds.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Local().Format(clockLayout)
}

// debugLines renders the connection panel for snap as of now.
func debugLines(snap player.Snapshot, now time.Time) []string {
	tel := snap.Telemetry
	lines := []string{
		"Status:         " + connectionStatus(snap),
		"Scheduler:      " + snap.Scheduler.String(),
	}
	if snap.IsPlaying && !tel.ConnectionStartTime.IsZero() {
		lines = append(lines, "Current Session: "+formatElapsed(now.Sub(tel.ConnectionStartTime)))
	}
	lines = append(lines,
		fmt.Sprintf("Reconnections:  %d", tel.ReconnectCount),
		"Last Reconnect: "+formatClock(tel.LastReconnectTime),
		"Session Start:  "+formatClock(tel.ConnectionStartTime),
	)
	if snap.LastError != "" {
		lines = append(lines, "Last Error:     "+snap.LastError)
	}
	return lines
}

func (ui *UI) createDebugPanel() *tview.TextView {
	tv := tview.NewTextView()
	tv.SetDynamicColors(true)
	tv.SetWrap(false)
	tv.SetTextColor(ui.colors.foreground)
	tv.SetBackgroundColor(ui.colors.background)
	tv.SetBorder(true).
		SetTitle(" Connection Debug ").
		SetTitleColor(ui.colors.foreground).
		SetBorderColor(ui.colors.borders).
		SetBorderPadding(0, 0, 1, 1)
	return tv
}

func (ui *UI) updateDebugPanel() {
	if ui.debugPanel == nil || !ui.showDebug {
		return
	}

	snap, ok := ui.currentSnapshot()
	if !ok {
		ui.debugPanel.SetText("No active connection")
		return
	}

	lines := debugLines(snap, time.Now())
	ui.debugPanel.SetText(tview.Escape(strings.Join(lines, "\n")))
}
