package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/rivo/tview"
)

// StatusRenderer turns the latest controller snapshot into the footer status
// line. It is only touched from the UI goroutine.
type StatusRenderer struct {
	snap          player.Snapshot
	hasController bool
	isMuted       bool
	animFrame     int
	maxAnimFrame  int
	tickCount     int
	ticksPerFrame int

	primaryColor string
}

func NewStatusRenderer() *StatusRenderer {
	return &StatusRenderer{
		maxAnimFrame:  4,
		ticksPerFrame: 8, // Slow down animation (8 ticks per frame)
	}
}

func (s *StatusRenderer) SetSnapshot(snap player.Snapshot) {
	s.snap = snap
	s.hasController = true
	s.isMuted = snap.IsMuted
}

func (s *StatusRenderer) SetMuted(muted bool) {
	s.isMuted = muted
}

func (s *StatusRenderer) SetPrimaryColor(color string) {
	s.primaryColor = color
}

func (s *StatusRenderer) AdvanceAnimation() {
	s.tickCount++
	if s.tickCount >= s.ticksPerFrame {
		s.tickCount = 0
		s.animFrame = (s.animFrame + 1) % s.maxAnimFrame
	}
}

func (s *StatusRenderer) Render() string {
	if !s.hasController {
		return s.renderIdle()
	}

	switch {
	case s.snap.IsBuffering:
		return s.renderBuffering()
	case s.snap.IsPlaying:
		return s.renderPlaying()
	case s.snap.HasStartedOnce:
		return s.renderPaused()
	case s.snap.LastError != "":
		return s.renderError()
	default:
		return s.renderIdle()
	}
}

func (s *StatusRenderer) renderIdle() string {
	if s.isMuted {
		return "○ IDLE │ [red]MUTED[-] │ Select a channel"
	}
	return "○ IDLE │ Select a channel"
}

func (s *StatusRenderer) renderBuffering() string {
	circles := []string{"◐", "◓", "◑", "◒"}
	parts := []string{circles[s.animFrame] + " BUFFERING"}
	if s.snap.LastError != "" {
		parts = append(parts, "↻ RECONNECTING")
	}
	return joinParts(parts)
}

func (s *StatusRenderer) renderPlaying() string {
	dots := []string{"●", "◉", "○", "◉"}
	dot := dots[s.animFrame]

	if s.primaryColor != "" {
		dot = fmt.Sprintf("[%s]%s[-]", s.primaryColor, dot)
	}

	parts := []string{dot + " LIVE"}

	if s.isMuted {
		parts = append(parts, "[red]MUTED[-]")
	}

	if label := schedulerLabel(s.snap.Scheduler); label != "" {
		parts = append(parts, label)
	}

	parts = append(parts, s.formatBufferHealth(s.snap.BufferHealth))

	return joinParts(parts)
}

func (s *StatusRenderer) renderPaused() string {
	parts := []string{PauseIcon + " PAUSED"}

	if s.isMuted {
		parts = append(parts, "[red]MUTED[-]")
	}

	return joinParts(parts)
}

func (s *StatusRenderer) renderError() string {
	errMsg := s.snap.LastError
	if errMsg == "" {
		errMsg = "ERROR"
	}
	return fmt.Sprintf("✗ %s", friendlyErrorMessage(errMsg))
}

// schedulerLabel marks the moments a standby connection is in flight.
func schedulerLabel(state player.SchedulerState) string {
	switch state {
	case player.SchedulerPreparingNext:
		return "↻ PREPARING"
	case player.SchedulerSwapping:
		return "⇄ SWAPPING"
	case player.SchedulerRecoveringNext:
		return "↻ RETRYING"
	default:
		return ""
	}
}

func (s *StatusRenderer) formatBufferHealth(percent int) string {
	signalBars := []string{"▁", "▂", "▃", "▅", "▇"}
	const numBars = 5

	filled := (percent * numBars) / 100
	if filled > numBars {
		filled = numBars
	}

	var b strings.Builder
	for i := 0; i < numBars; i++ {
		if i < filled {
			b.WriteString(signalBars[i])
		} else {
			b.WriteString("▁")
		}
	}

	return b.String()
}

func joinParts(parts []string) string {
	return strings.Join(parts, " │ ")
}

func (ui *UI) getPlaybackHint(keyColor string) string {
	snap, ok := ui.currentSnapshot()

	switch {
	case ok && (snap.IsPlaying || snap.IsBuffering):
		return fmt.Sprintf("[%s]Enter[-] play  [%s]Space[-] pause  [%s]r[-] reload", keyColor, keyColor, keyColor)
	case ok && snap.HasStartedOnce:
		return fmt.Sprintf("[%s]Enter[-] play  [%s]Space[-] resume", keyColor, keyColor)
	default:
		return fmt.Sprintf("[%s]Enter[-] play  [%s]/[-] search", keyColor, keyColor)
	}
}

func (ui *UI) getHelpText() string {
	keyColor := ui.colors.helpHotkey.String()
	playbackHint := ui.getPlaybackHint(keyColor)

	muteText := "mute"
	if ui.isMutedNow() {
		muteText = "unmute"
	}

	return fmt.Sprintf(" %s  [%s]+/-[-] vol  [%s]m[-] %s  [%s]d[-] debug  [%s]?[-] help  [%s]q[-] quit ",
		playbackHint, keyColor, keyColor, muteText, keyColor, keyColor, keyColor)
}

func (ui *UI) handleFooterResize(width int) {
	isWide := width >= FooterBreakpoint
	wasWide := ui.lastFooterWidth >= FooterBreakpoint

	if ui.lastFooterWidth > 0 && isWide != wasWide && ui.contentLayout != nil {
		newHeight := FooterHeightWide
		if !isWide {
			newHeight = FooterHeightNarrow
		}
		ui.contentLayout.ResizeItem(ui.helpPanel, newHeight, 0)
	}
	ui.lastFooterWidth = width
}

func (ui *UI) drawWideFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpWidth := width / 2
	statusWidth := width - helpWidth

	for row := y; row < y+height; row++ {
		for col := x; col < x+helpWidth; col++ {
			screen.SetContent(col, row, ' ', nil, tcell.StyleDefault.Background(ui.colors.helpBackground))
		}
	}

	for row := y; row < y+height; row++ {
		for col := x + helpWidth; col < x+width; col++ {
			screen.SetContent(col, row, ' ', nil, tcell.StyleDefault.Background(ui.colors.background))
		}
	}

	centerY := y + height/2
	tview.Print(screen, helpText, x, centerY, helpWidth, tview.AlignCenter, ui.colors.helpForeground)
	tview.Print(screen, statusText, x+helpWidth, centerY, statusWidth-2, tview.AlignRight, ui.colors.foreground)
}

func (ui *UI) drawNarrowFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpHeight := height / 2
	if helpHeight < 1 {
		helpHeight = 1
	}
	statusHeight := height - helpHeight
	helpBoxEnd := y + helpHeight

	for row := y; row < helpBoxEnd; row++ {
		for col := x; col < x+width; col++ {
			screen.SetContent(col, row, ' ', nil, tcell.StyleDefault.Background(ui.colors.helpBackground))
		}
	}

	for row := helpBoxEnd; row < y+height; row++ {
		for col := x; col < x+width; col++ {
			screen.SetContent(col, row, ' ', nil, tcell.StyleDefault.Background(ui.colors.background))
		}
	}

	helpTextY := y + helpHeight/2
	tview.Print(screen, helpText, x, helpTextY, width, tview.AlignCenter, ui.colors.helpForeground)

	if statusHeight > 0 {
		statusTextY := helpBoxEnd + statusHeight/2
		tview.Print(screen, statusText, x, statusTextY, width-2, tview.AlignRight, ui.colors.foreground)
	}
}

func (ui *UI) createFooter() *tview.Box {
	box := tview.NewBox().SetBackgroundColor(ui.colors.background)

	box.SetDrawFunc(func(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
		ui.handleFooterResize(width)

		helpText := ui.getHelpText()
		statusText := " " + ui.statusRenderer.Render() + " "

		isWide := width >= FooterBreakpoint
		usedHeight := height
		if isWide && height > FooterHeightWide {
			usedHeight = FooterHeightWide
		}

		if isWide {
			ui.drawWideFooter(screen, x, y, width, usedHeight, helpText, statusText)
		} else {
			ui.drawNarrowFooter(screen, x, y, width, height, helpText, statusText)
		}

		return x, y, width, height
	})

	return box
}
