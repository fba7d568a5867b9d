package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const volumeBarHeight = 8

// volumeLines splits the bar into empty and filled rows.
func volumeLines(volume, barHeight int) (empty, filled int) {
	filled = (config.ClampVolume(volume) * barHeight) / 100
	return barHeight - filled, filled
}

func (ui *UI) buildVolumeBar(container *tview.Flex) {
	displayVolume := ui.currentVolume
	isMuted := ui.isMuted

	emptyLines, filledLines := volumeLines(displayVolume, volumeBarHeight)

	createText := func(text string, color tcell.Color) *tview.TextView {
		tv := tview.NewTextView()
		tv.SetText(text)
		tv.SetTextAlign(tview.AlignRight)
		tv.SetTextColor(color)
		tv.SetBackgroundColor(ui.colors.background)
		return tv
	}

	createBarLine := func(barText string, barColor tcell.Color, showPercent bool) *tview.Flex {
		line := tview.NewFlex().SetDirection(tview.FlexColumn)
		line.SetBackgroundColor(ui.colors.background)

		if showPercent {
			percentColor := ui.colors.highlight
			if isMuted {
				percentColor = ui.colors.mutedVolume
			}

			percentView := createText(fmt.Sprintf("%d%%", displayVolume), percentColor)
			if isMuted {
				percentView.SetTextStyle(tcell.StyleDefault.
					Foreground(percentColor).
					Background(ui.colors.background).
					Attributes(tcell.AttrStrikeThrough))
			}

			line.AddItem(percentView, 4, 0, false)
		} else {
			line.AddItem(createText("    ", ui.colors.foreground), 4, 0, false)
		}

		line.AddItem(createText(barText, barColor), 0, 1, false)

		return line
	}

	container.AddItem(createText("   max", ui.colors.foreground), 1, 0, false)

	for i := 0; i < emptyLines; i++ {
		container.AddItem(createBarLine(" ░░", ui.colors.foreground, false), 1, 0, false)
	}

	barColor := ui.colors.highlight
	if isMuted {
		barColor = ui.colors.mutedVolume
	}
	for i := 0; i < filledLines; i++ {
		container.AddItem(createBarLine(" ██", barColor, i == 0), 1, 0, false)
	}

	container.AddItem(createText("   min", ui.colors.foreground), 1, 0, false)

	container.AddItem(nil, 0, 1, false)
}

func (ui *UI) createGraphicalVolumeBar() *tview.Flex {
	volumeContainer := tview.NewFlex().SetDirection(tview.FlexRow)
	volumeContainer.SetBackgroundColor(ui.colors.background)
	ui.buildVolumeBar(volumeContainer)
	return volumeContainer
}

func (ui *UI) updateVolumeDisplay() {
	if ui.volumeView != nil {
		ui.volumeView.Clear()
		ui.buildVolumeBar(ui.volumeView)
	}
}

// adjustVolume changes the level, unmuting first when muted.
func (ui *UI) adjustVolume(delta int) {
	ctrl := ui.activeController()

	if ui.isMuted {
		ui.setMuted(ctrl, false)
		ui.updateVolumeDisplay()
		log.Debug().Msgf("Auto-unmuted, restored volume to %d%%", ui.currentVolume)
		return
	}

	ui.currentVolume = config.ClampVolume(ui.currentVolume + delta)
	if ctrl != nil {
		ctrl.SetVolume(ui.currentVolume)
	}

	ui.updateVolumeDisplay()
	ui.SaveConfig()
	log.Debug().Msgf("Volume adjusted to %d%%", ui.currentVolume)
}

func (ui *UI) toggleMute() {
	ui.setMuted(ui.activeController(), !ui.isMuted)
	ui.updateVolumeDisplay()
	log.Debug().Bool("muted", ui.isMuted).Int("volume", ui.currentVolume).Msg("Mute toggled")
}

// setMuted keeps the UI flag and the controller in step. The controller
// only offers a toggle, so it is flipped when the two disagree.
func (ui *UI) setMuted(ctrl *player.Controller, muted bool) {
	ui.isMuted = muted
	ui.statusRenderer.SetMuted(muted)
	if ctrl != nil && ctrl.IsMuted() != muted {
		ctrl.ToggleMute()
	}
}
