package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/airport"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const maxChannelNameWidth = 40

func (ui *UI) channelListTitle() string {
	if ui.currentAirport == nil {
		return "Channels"
	}
	return fmt.Sprintf("Channels · %s (%d)", ui.currentAirport.ICAO, len(ui.channels))
}

func (ui *UI) headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetTextColor(ui.colors.channelListHeaderForeground).
		SetBackgroundColor(ui.colors.channelListHeaderBackground).
		SetSelectable(false)
}

func (ui *UI) createChannelListTable() *tview.Table {
	table := tview.NewTable().
		SetBorders(false).
		SetSeparator(' ').
		SetSelectable(true, false).
		SetFixed(1, 0)

	table.SetBorder(true).
		SetTitle(ui.channelListTitle()).
		SetBorderColor(ui.colors.borders).
		SetTitleColor(ui.colors.foreground).
		SetBackgroundColor(ui.colors.background).
		SetBorderPadding(1, 0, 1, 1)

	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(ui.colors.background).
		Background(ui.colors.highlight))

	table.SetCell(0, 0, ui.headerCell(" ").SetMaxWidth(2))
	table.SetCell(0, 1, ui.headerCell("Channel").SetExpansion(2))
	table.SetCell(0, 2, ui.headerCell("Frequencies").SetExpansion(2))
	table.SetCell(0, 3, ui.headerCell("Status").SetAlign(tview.AlignRight))

	// Track the selected channel for preserving selection after refresh
	table.SetSelectionChangedFunc(func(row, column int) {
		if row > 0 && row <= len(ui.channels) {
			ui.selectedChannel = ui.channels[row-1].Name
		}
	})

	ui.channelList = table
	ui.refreshChannelTable()

	return table
}

func (ui *UI) setChannelRow(table *tview.Table, row int, ch *airport.AudioChannel) {
	playIcon := " "
	if ui.isPlayingChannel(ch) {
		playIcon = ui.playIcon()
	}
	table.SetCell(row, 0, tview.NewTableCell(playIcon).
		SetTextColor(ui.colors.foreground).
		SetMaxWidth(2))

	nameColor := ui.colors.foreground
	if !ch.Playable() {
		nameColor = ui.colors.borders
	}
	table.SetCell(row, 1, tview.NewTableCell(ch.Name).
		SetTextColor(nameColor).
		SetMaxWidth(maxChannelNameWidth).
		SetExpansion(2))

	table.SetCell(row, 2, tview.NewTableCell(ch.FrequencyList()).
		SetTextColor(ui.colors.foreground).
		SetMaxWidth(45).
		SetExpansion(2))

	statusColor := ui.colors.offlineStatus
	if ch.FeedStatus {
		statusColor = ui.colors.onlineStatus
	}
	table.SetCell(row, 3, tview.NewTableCell("● "+ch.StatusLabel()).
		SetTextColor(statusColor).
		SetAlign(tview.AlignRight))
}

func (ui *UI) playIcon() string {
	snap, ok := ui.currentSnapshot()
	if ok && snap.HasStartedOnce && !snap.IsPlaying && !snap.IsBuffering {
		return PauseIcon
	}
	return "➤"
}

// refreshChannelTable redraws every row, keeping the selected channel
// selected when it still exists.
func (ui *UI) refreshChannelTable() {
	if ui.channelList == nil {
		return
	}

	selected := ui.selectedChannel
	for row := ui.channelList.GetRowCount() - 1; row > 0; row-- {
		ui.channelList.RemoveRow(row)
	}
	for i := range ui.channels {
		ui.setChannelRow(ui.channelList, i+1, &ui.channels[i])
	}

	if index := ui.findChannelIndex(selected); index >= 0 {
		ui.channelList.Select(index+1, 0)
	} else if len(ui.channels) > 0 {
		ui.channelList.Select(1, 0)
	}

	ui.channelList.SetTitle(ui.channelListTitle())
	log.Debug().Int("count", len(ui.channels)).Msg("Channel table refreshed")
}

func (ui *UI) selectAndShowChannel(index int) {
	if index < 0 || index >= len(ui.channels) {
		return
	}
	ui.channelList.Select(index+1, 0)
	log.Debug().Msgf("Showing channel (without playing): %s", ui.channels[index].Name)
}

func (ui *UI) nextChannel() {
	count := len(ui.channels)
	if count == 0 {
		return
	}

	row, _ := ui.channelList.GetSelection()
	nextIndex := row % count
	ui.channelList.Select(nextIndex+1, 0)
	ui.onChannelSelected(nextIndex)
}

func (ui *UI) prevChannel() {
	count := len(ui.channels)
	if count == 0 {
		return
	}

	row, _ := ui.channelList.GetSelection()
	prevIndex := row - 2
	if prevIndex < 0 {
		prevIndex = count - 1
	}
	ui.channelList.Select(prevIndex+1, 0)
	ui.onChannelSelected(prevIndex)
}

func (ui *UI) updateChannelListPlayingIndicator() {
	if ui.channelList == nil || ui.playing == nil {
		return
	}

	index := -1
	for i := range ui.channels {
		if ui.isPlayingChannel(&ui.channels[i]) {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}
	row := index + 1

	if playCell := ui.channelList.GetCell(row, 0); playCell != nil {
		playCell.SetText(ui.playIcon())
	}

	nameCell := ui.channelList.GetCell(row, 1)
	if nameCell == nil {
		return
	}

	name := ui.channels[index].Name
	snap, _ := ui.currentSnapshot()
	if !snap.IsPlaying && !snap.IsBuffering {
		nameCell.SetText(name)
		return
	}

	nameCell.SetText(truncateName(name, maxChannelNameWidth, ui.getPlayingIndicator()))
}

// truncateName appends the indicator, shortening name to keep within width.
func truncateName(name string, width int, indicator string) string {
	runes := []rune(name)
	indicatorWidth := len([]rune(indicator))
	maxLen := width - indicatorWidth - 1
	if len(runes) > maxLen && maxLen > 3 {
		name = string(runes[:maxLen-3]) + "..."
	}
	return name + " " + indicator
}
