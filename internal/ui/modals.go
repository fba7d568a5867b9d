package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/airport"
	"github.com/glebovdev/liveatc-cli/internal/api"
	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/glebovdev/liveatc-cli/internal/service"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

func friendlyErrorMessage(errStr string) string {
	if strings.Contains(errStr, "no such host") {
		return "Unable to connect to server.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused by server.\nThe service may be temporarily unavailable."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timed out.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "network read error") {
		return "Network is unreachable.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "status 401") {
		return "Stream access denied (401)."
	}
	if strings.Contains(errStr, "status 403") {
		return "Stream access forbidden (403)."
	}
	if strings.Contains(errStr, "status 404") {
		return "Stream not found (404)."
	}
	if strings.Contains(errStr, "status 503") {
		return "Feed unavailable (503).\nThe relay gave up after retries."
	}
	if strings.Contains(errStr, "no audio output") || strings.Contains(errStr, "speaker") {
		return "Audio output unavailable.\nCheck your sound device."
	}

	if idx := strings.Index(errStr, ": dial"); idx > 0 {
		return errStr[:idx]
	}
	if len(errStr) > 100 {
		return errStr[:100] + "..."
	}
	return errStr
}

func (ui *UI) showError(err error) {
	ui.showPlaybackErrorModal(friendlyErrorMessage(err.Error()))
}

func airportErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidICAO):
		return "That is not an airport code.\nUse 3 or 4 letters, like KJFK."
	case errors.Is(err, api.ErrAirportNotFound):
		return "LiveATC has no feeds for that airport."
	default:
		return friendlyErrorMessage(err.Error())
	}
}

func (ui *UI) showAirportError(err error) {
	log.Debug().Err(err).Msg("Airport lookup failed")
	ui.showInfoModal("Airport", airportErrorMessage(err))
}

// showSearchResults lists the matching airports; picking one opens it.
func (ui *UI) showSearchResults(query string, results []airport.Airport) {
	doDismiss := func() {
		ui.pages.RemovePage("modal")
		ui.app.SetFocus(ui.channelList)
	}

	list := tview.NewList().
		ShowSecondaryText(true).
		SetHighlightFullLine(true).
		SetMainTextColor(ui.colors.foreground).
		SetSecondaryTextColor(ui.colors.borders).
		SetSelectedTextColor(ui.colors.background).
		SetSelectedBackgroundColor(ui.colors.highlight)
	list.SetBackgroundColor(ui.colors.modalBackground)

	for _, a := range results {
		icao := a.ICAO
		list.AddItem(a.DisplayName(), a.Location(), 0, func() {
			doDismiss()
			ui.loadAirport(icao)
		})
	}

	frame := tview.NewFrame(list).
		SetBorders(1, 0, 1, 1, 2, 2)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(fmt.Sprintf(" %q (%d) ", query, len(results))).
		SetTitleColor(ui.colors.highlight).
		SetTitleAlign(tview.AlignCenter)

	modalHeight := len(results)*2 + 4
	if modalHeight > 24 {
		modalHeight = 24
	}

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(frame, modalHeight, 0, true).
			AddItem(nil, 0, 1, false),
			60, 0, true).
		AddItem(nil, 0, 1, false)
	modal.SetBackgroundColor(ui.colors.background)

	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			doDismiss()
			return nil
		}
		return event
	})

	ui.pages.AddPage("modal", modal, true, true)
	ui.app.SetFocus(list)
}

func (ui *UI) showPlaybackErrorModal(message string) {
	doDismiss := func() {
		ui.pages.RemovePage("error-modal")
		ui.app.SetFocus(ui.channelList)
	}

	doRetry := func() {
		ui.pages.RemovePage("error-modal")
		ui.app.SetFocus(ui.channelList)
		ctrl := ui.activeController()
		if ctrl == nil {
			return
		}
		go func() {
			err := ctrl.ForceReload(context.Background())
			if err == nil || errors.Is(err, player.ErrControllerClosed) {
				return
			}
			ui.app.QueueUpdateDraw(func() {
				if ui.activeController() == ctrl {
					ui.showError(err)
				}
			})
		}()
	}

	messageView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText(fmt.Sprintf("\n[::b]Playback Error[::-]\n\n%s", message))
	messageView.SetTextColor(ui.colors.foreground)
	messageView.SetBackgroundColor(ui.colors.modalBackground)

	hintView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press [::b]R[::d] to retry  •  Press [::b]Esc[::d] to dismiss[::-]")
	hintView.SetTextColor(tcell.ColorDarkGray)
	hintView.SetBackgroundColor(ui.colors.modalBackground)

	content := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messageView, 0, 1, false).
		AddItem(hintView, 1, 0, false).
		AddItem(nil, 1, 0, false)
	content.SetBackgroundColor(ui.colors.modalBackground)

	frame := tview.NewFrame(content).
		SetBorders(0, 0, 1, 1, 1, 1)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.highlight).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" Error ").
		SetTitleColor(ui.colors.highlight).
		SetTitleAlign(tview.AlignCenter)

	modalWidth := 50
	modalHeight := 10

	lines := strings.Count(message, "\n") + 1
	if lines > 2 {
		modalHeight += lines - 2
	}
	if modalHeight > 15 {
		modalHeight = 15
	}

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(frame, modalHeight, 0, true).
			AddItem(nil, 0, 1, false),
			modalWidth, 0, true).
		AddItem(nil, 0, 1, false)
	modal.SetBackgroundColor(ui.colors.background)

	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyEnter:
			doDismiss()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'r' || event.Rune() == 'R' {
				doRetry()
				return nil
			}
		}
		return event
	})

	ui.pages.AddPage("error-modal", modal, true, true)
	ui.app.SetFocus(modal)
}

func (ui *UI) showHelpModal() {
	keyColor := ui.colors.helpHotkey.String()

	configPath, _ := config.GetConfigPath()

	helpText := fmt.Sprintf(`[::b]KEYBOARD SHORTCUTS[::-]

[%[1]s]PLAYBACK[-]
  [%[1]s]Enter[-]      Play selected channel
  [%[1]s]Space[-]      Pause / Resume
  [%[1]s]r[-]          Reload stream
  [%[1]s]Tab[-]        Next channel
  [%[1]s]Shift+Tab[-]  Previous channel

[%[1]s]VOLUME[-]
  [%[1]s]+[-] / [%[1]s]-[-]      Volume up / down
  [%[1]s]←[-] / [%[1]s]→[-]      Volume up / down
  [%[1]s]m[-]          Mute / Unmute

[%[1]s]AIRPORTS[-]
  [%[1]s]/[-]          Search airport
  [%[1]s]↑[-] / [%[1]s]↓[-]      Navigate channels
  [%[1]s]f[-]          Toggle favorite airport
  [%[1]s]<[-] / [%[1]s]>[-]      Previous / next favorite

[%[1]s]APPLICATION[-]
  [%[1]s]d[-]          Connection debug panel
  [%[1]s]?[-]          Show this help
  [%[1]s]a[-]          About %[2]s
  [%[1]s]q[-] / [%[1]s]Esc[-]    Quit

[%[1]s]CONFIG[-]: %[3]s`,
		keyColor, config.AppName, configPath)

	ui.showInfoModal("Help", helpText)
}

func (ui *UI) showAboutModal() {
	doDismiss := func() {
		ui.pages.RemovePage("modal")
		ui.app.SetFocus(ui.channelList)
	}

	linkColor := "skyblue"
	dimColor := "gray"

	aboutText := fmt.Sprintf(`[::b]%s[::-]
[%s]%s[-]

Version: %s
Author:  %s ([%s:::%s]%s[-:::-])
Project: [%s:::%s]%s[-:::-]
License: MIT

───────────────────────────────────────────

[%s]Audio feeds from[-] [::b]LiveATC.net[::-]
For entertainment use only • [%s:::%s]%s[-:::-]`,
		config.AppName,
		dimColor, config.AppTagline,
		config.AppVersion,
		config.AppAuthor, linkColor, config.AppAuthorURL, config.AppAuthorURLShort,
		linkColor, config.AppProjectURL, config.AppProjectShort,
		dimColor,
		linkColor, config.AppFeedsURL, config.AppFeedsShort)

	messageView := tview.NewTextView().
		SetTextAlign(tview.AlignLeft).
		SetDynamicColors(true).
		SetText("\n" + aboutText)
	messageView.SetTextColor(ui.colors.foreground)
	messageView.SetBackgroundColor(ui.colors.modalBackground)

	hintView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press any key to close[::-]")
	hintView.SetTextColor(tcell.ColorDarkGray)
	hintView.SetBackgroundColor(ui.colors.modalBackground)

	content := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messageView, 0, 1, false).
		AddItem(nil, 2, 0, false).
		AddItem(hintView, 1, 0, false).
		AddItem(nil, 1, 0, false)
	content.SetBackgroundColor(ui.colors.modalBackground)

	frame := tview.NewFrame(content).
		SetBorders(1, 0, 1, 1, 2, 2)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" About ").
		SetTitleColor(ui.colors.highlight).
		SetTitleAlign(tview.AlignCenter)

	modalWidth := 50
	modalHeight := 20

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(frame, modalHeight, 0, true).
			AddItem(nil, 0, 1, false),
			modalWidth, 0, true).
		AddItem(nil, 0, 1, false)
	modal.SetBackgroundColor(ui.colors.background)

	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		doDismiss()
		return nil
	})

	ui.pages.AddPage("modal", modal, true, true)
	ui.app.SetFocus(modal)
}

func (ui *UI) showInfoModal(title, message string) {
	doDismiss := func() {
		ui.pages.RemovePage("modal")
		ui.app.SetFocus(ui.channelList)
	}

	messageView := tview.NewTextView().
		SetTextAlign(tview.AlignLeft).
		SetDynamicColors(true).
		SetWordWrap(true).
		SetText("\n" + message)
	messageView.SetTextColor(ui.colors.foreground)
	messageView.SetBackgroundColor(ui.colors.modalBackground)

	hintView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press any key to close[::-]")
	hintView.SetTextColor(tcell.ColorDarkGray)
	hintView.SetBackgroundColor(ui.colors.modalBackground)

	content := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messageView, 0, 1, false).
		AddItem(nil, 2, 0, false).
		AddItem(hintView, 1, 0, false).
		AddItem(nil, 1, 0, false)
	content.SetBackgroundColor(ui.colors.modalBackground)

	frame := tview.NewFrame(content).
		SetBorders(1, 0, 1, 1, 2, 2)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" " + title + " ").
		SetTitleColor(ui.colors.highlight).
		SetTitleAlign(tview.AlignCenter)

	lines := strings.Count(message, "\n") + 1
	modalWidth := 45
	modalHeight := lines + 10
	if modalHeight > 38 {
		modalHeight = 38
	}

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(frame, modalHeight, 0, true).
			AddItem(nil, 0, 1, false),
			modalWidth, 0, true).
		AddItem(nil, 0, 1, false)
	modal.SetBackgroundColor(ui.colors.background)

	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		doDismiss()
		return nil
	})

	ui.pages.AddPage("modal", modal, true, true)
	ui.app.SetFocus(modal)
}

func (ui *UI) showInitialErrorScreen(title, message string, onRetry, onQuit func()) {
	content := fmt.Sprintf("[::b]%s[::-]\n\n%s", title, message)

	textView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText(content)
	textView.SetTextColor(ui.colors.foreground)
	textView.SetBackgroundColor(ui.colors.modalBackground)

	helpText := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press [::b]R[::d] to retry  •  Press [::b]Q[::d] to quit[::-]")
	helpText.SetTextColor(ui.colors.foreground)
	helpText.SetBackgroundColor(ui.colors.background)

	frame := tview.NewFrame(textView).
		SetBorders(2, 2, 2, 2, 2, 2)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.highlight).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" Connection Error ").
		SetTitleColor(ui.colors.highlight)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(frame, 60, 1, true).
			AddItem(nil, 0, 1, false), 10, 1, true).
		AddItem(helpText, 2, 0, false).
		AddItem(nil, 0, 1, false)
	layout.SetBackgroundColor(ui.colors.background)

	layout.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyRune:
			switch event.Rune() {
			case 'r', 'R':
				if onRetry != nil {
					onRetry()
				}
				return nil
			case 'q', 'Q':
				if onQuit != nil {
					onQuit()
				}
				return nil
			}
		case tcell.KeyEscape:
			if onQuit != nil {
				onQuit()
			}
			return nil
		}
		return event
	})

	ui.app.SetRoot(layout, true)
	ui.app.SetFocus(layout)
}

func (ui *UI) handleInitialError(err error) {
	friendlyMsg := friendlyErrorMessage(err.Error())

	ui.showInitialErrorScreen(
		"Unable to Load Airport",
		friendlyMsg,
		func() { // onRetry
			ui.app.SetRoot(ui.loadingScreen, true)
			go func() {
				if err := ui.loadInitialAirportAndInitUI(); err != nil {
					ui.app.QueueUpdateDraw(func() {
						ui.handleInitialError(err)
					})
				}
			}()
		},
		func() { // onQuit
			ui.stop()
		},
	)
}
