package ui

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/airport"
	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/glebovdev/liveatc-cli/internal/service"
	"github.com/glebovdev/liveatc-cli/internal/visualizer"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const (
	VolumeStep            = 5
	HeaderHeight          = 3
	FooterHeightWide      = 3 // Wide: 1 row with padding (top + text + bottom)
	FooterHeightNarrow    = 6 // Narrow: 2 rows × 3 lines each
	SearchHeight          = 1
	PlayerPanelHeight     = 12
	DebugPanelHeight      = 9
	VisualizerWidth       = 34
	FooterBreakpoint      = 130 // Width threshold for responsive footer
	MinLoadingDisplayTime = 1200 * time.Millisecond
	MinStatusDisplayTime  = 300 * time.Millisecond
	AirportRefreshPeriod  = 60 * time.Second
)

// PauseIcon uses platform-specific character (Windows renders ⏸ as emoji)
var PauseIcon = func() string {
	if runtime.GOOS == "windows" {
		return "❚❚"
	}
	return "⏸"
}()

// Engine is what the UI needs from the playback stack: one controller per
// channel, the shared analysis graph, and the relay URL for a feed pointer.
type Engine struct {
	Graphs        *player.GraphProvider
	NewController func(streamURL string, volume int) *player.Controller
	StreamURL     func(pointer string) string
}

type UI struct {
	app         *tview.Application
	airports    *service.AirportService
	engine      Engine
	config      *config.Config
	initialICAO string

	// ctrlMu guards ctrl and sub. Everything else is owned by the UI goroutine.
	ctrlMu sync.Mutex
	ctrl   *player.Controller
	sub    *player.Subscription

	snap            player.Snapshot
	currentAirport  *airport.Airport
	channels        []airport.AudioChannel
	playing         *airport.AudioChannel
	playingAirport  string
	selectedChannel string
	currentVolume   int
	isMuted         bool
	showDebug       bool
	lastFooterWidth int // Track width to detect layout changes

	channelList      *tview.Table
	searchInput      *tview.InputField
	helpPanel        *tview.Box
	contentLayout    *tview.Flex
	playerPanel      *tview.Flex
	currentTitleView *tview.TextView
	debugPanel       *tview.TextView
	clockView        *tview.TextView
	visualizerView   *tview.Box
	volumeView       *tview.Flex
	mainLayout       *tview.Flex
	loadingScreen    *tview.Flex
	loadingText      *tview.TextView
	progressBar      *tview.TextView
	pages            *tview.Pages

	sampler   *visualizer.Sampler
	frameMu   sync.Mutex
	frame     visualizer.Frame
	frameIdle bool

	drawRequests   chan struct{}
	stopUpdates    chan struct{}
	stopOnce       sync.Once
	animationFrame int
	playingSpinner *PlayingSpinner
	statusRenderer *StatusRenderer
	colors         struct {
		background                  tcell.Color
		foreground                  tcell.Color
		borders                     tcell.Color
		highlight                   tcell.Color
		mutedVolume                 tcell.Color
		headerBackground            tcell.Color
		channelListHeaderBackground tcell.Color
		channelListHeaderForeground tcell.Color
		helpBackground              tcell.Color
		helpForeground              tcell.Color
		helpHotkey                  tcell.Color
		frequencyTagBackground      tcell.Color
		onlineStatus                tcell.Color
		offlineStatus               tcell.Color
		modalBackground             tcell.Color
	}
}

// NewUI builds the interface. initialICAO, when set, overrides the airport
// remembered in cfg.
func NewUI(cfg *config.Config, airports *service.AirportService, engine Engine, initialICAO string) *UI {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	ui := &UI{
		app:           tview.NewApplication(),
		airports:      airports,
		engine:        engine,
		config:        cfg,
		initialICAO:   airport.NormalizeICAO(initialICAO),
		currentVolume: cfg.Volume,
		showDebug:     cfg.ShowDebug,
		drawRequests:  make(chan struct{}, 1),
		stopUpdates:   make(chan struct{}),
	}

	ui.colors.background = config.GetColor(cfg.Theme.Background)
	ui.colors.foreground = config.GetColor(cfg.Theme.Foreground)
	ui.colors.borders = config.GetColor(cfg.Theme.Borders)
	ui.colors.highlight = config.GetColor(cfg.Theme.Highlight)
	ui.colors.mutedVolume = config.GetColor(cfg.Theme.MutedVolume)
	ui.colors.headerBackground = config.GetColor(cfg.Theme.HeaderBackground)
	ui.colors.channelListHeaderBackground = config.GetColor(cfg.Theme.ChannelListHeaderBackground)
	ui.colors.channelListHeaderForeground = config.GetColor(cfg.Theme.ChannelListHeaderForeground)
	ui.colors.helpBackground = config.GetColor(cfg.Theme.HelpBackground)
	ui.colors.helpForeground = config.GetColor(cfg.Theme.HelpForeground)
	ui.colors.helpHotkey = config.GetColor(cfg.Theme.HelpHotkey)
	ui.colors.frequencyTagBackground = config.GetColor(cfg.Theme.FrequencyTagBackground)
	ui.colors.onlineStatus = config.GetColor(cfg.Theme.OnlineStatus)
	ui.colors.offlineStatus = config.GetColor(cfg.Theme.OfflineStatus)
	ui.colors.modalBackground = config.GetColor(cfg.Theme.ModalBackground)

	log.Debug().Msgf("Loaded volume from config: %d%%", cfg.Volume)

	ui.statusRenderer = NewStatusRenderer()
	ui.statusRenderer.SetPrimaryColor(ui.colors.highlight.String())

	ui.sampler = visualizer.NewSampler(ui.frequencySource, ui.isPlayingNow, ui.onVisualizerFrame,
		cfg.Visualizer.FPS, cfg.Visualizer.Bars)

	return ui
}

func (ui *UI) SaveConfig() {
	ui.config.Volume = ui.currentVolume
	ui.config.ShowDebug = ui.showDebug
	if ui.currentAirport != nil {
		ui.config.LastAirport = ui.currentAirport.ICAO
	}
	if ui.playing != nil {
		ui.config.LastChannel = ui.playing.Name
	}

	if err := ui.config.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}

func (ui *UI) activeController() *player.Controller {
	ui.ctrlMu.Lock()
	defer ui.ctrlMu.Unlock()
	return ui.ctrl
}

// currentSnapshot reports the last state delivered by the active controller.
func (ui *UI) currentSnapshot() (player.Snapshot, bool) {
	return ui.snap, ui.activeController() != nil
}

func (ui *UI) isPlayingNow() bool {
	ctrl := ui.activeController()
	return ctrl != nil && ctrl.IsPlaying()
}

func (ui *UI) isMutedNow() bool {
	return ui.isMuted
}

// detachController swaps the active controller out and returns what was there.
func (ui *UI) detachController(next *player.Controller, nextSub *player.Subscription) (*player.Controller, *player.Subscription) {
	ui.ctrlMu.Lock()
	defer ui.ctrlMu.Unlock()
	prev, prevSub := ui.ctrl, ui.sub
	ui.ctrl, ui.sub = next, nextSub
	return prev, prevSub
}

func closeController(ctrl *player.Controller, sub *player.Subscription) {
	if ctrl == nil {
		return
	}
	if sub != nil {
		ctrl.Unsubscribe(sub)
	}
	if err := ctrl.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close playback controller")
	}
}

func (ui *UI) stop() {
	ui.stopOnce.Do(func() {
		if ui.airports != nil {
			ui.airports.StopPeriodicRefresh()
		}
		close(ui.stopUpdates)
		ui.app.Stop()
	})
}

// release tears playback down once the event loop has exited.
func (ui *UI) release() {
	ui.sampler.Stop()
	prev, prevSub := ui.detachController(nil, nil)
	closeController(prev, prevSub)
}

// Shutdown stops the UI gracefully from external callers (e.g., signal handlers).
func (ui *UI) Shutdown() {
	ui.app.QueueUpdateDraw(func() {
		ui.stop()
	})
}

func (ui *UI) Run() error {
	ui.setupLoadingScreen()
	ui.app.SetRoot(ui.loadingScreen, true)
	ui.configureScreen()

	go ui.initAsync()
	go ui.drawLoop()

	err := ui.app.Run()
	ui.stop()
	ui.release()
	return err
}

// drawLoop turns visualizer frame requests into redraws. Requests never
// block the sampler.
func (ui *UI) drawLoop() {
	for {
		select {
		case <-ui.stopUpdates:
			return
		case <-ui.drawRequests:
			ui.app.QueueUpdateDraw(func() {})
		}
	}
}

func (ui *UI) configureScreen() {
	bgStyle := tcell.StyleDefault.Background(ui.colors.background)
	ui.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		screen.SetStyle(bgStyle)
		screen.Clear()
		return false
	})

	var titleSet sync.Once
	ui.app.SetAfterDrawFunc(func(screen tcell.Screen) {
		titleSet.Do(func() { screen.SetTitle(config.AppName) })
	})
}

func (ui *UI) initAsync() {
	if err := ui.loadInitialAirportAndInitUI(); err != nil {
		ui.app.QueueUpdateDraw(func() {
			ui.handleInitialError(err)
		})
	}
}

func (ui *UI) setupLoadingScreen() {
	ui.loadingText = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText("Contacting airport directory... (1/3)")
	ui.loadingText.SetTextColor(ui.colors.foreground).
		SetBackgroundColor(ui.colors.background)

	ui.progressBar = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText(renderProgressBar(0))
	ui.progressBar.SetTextColor(ui.colors.highlight).
		SetBackgroundColor(ui.colors.background)

	content := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.loadingText, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.progressBar, 1, 0, false)
	content.SetBackgroundColor(ui.colors.background)

	ui.loadingScreen = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(content, 3, 0, false).
		AddItem(nil, 0, 1, false)

	ui.loadingScreen.SetBackgroundColor(ui.colors.background)
}

func renderProgressBar(percent int) string {
	const width = 30
	filled := (percent * width) / 100
	empty := width - filled
	return strings.Repeat("█", filled) + strings.Repeat("░", empty)
}

func (ui *UI) animateProgress(fromPercent, toPercent int, duration time.Duration) {
	steps := toPercent - fromPercent
	if steps <= 0 {
		return
	}
	stepDuration := duration / time.Duration(steps)
	lastBar := renderProgressBar(fromPercent)

	for p := fromPercent + 1; p <= toPercent; p++ {
		time.Sleep(stepDuration)
		if bar := renderProgressBar(p); bar != lastBar {
			ui.app.QueueUpdateDraw(func() {
				ui.progressBar.SetText(bar)
			})
			lastBar = bar
		}
	}
}

// startupICAO picks the airport to open with: the command line wins over the
// remembered one.
func (ui *UI) startupICAO() string {
	if ui.initialICAO != "" {
		return ui.initialICAO
	}
	return ui.config.LastAirport
}

func (ui *UI) loadInitialAirportAndInitUI() error {
	const totalStages = 3
	stagePercent := func(stage int) int { return (stage * 100) / totalStages }

	startTime := time.Now()

	animDone := make(chan struct{})
	go func() {
		ui.animateProgress(stagePercent(0), stagePercent(1), MinStatusDisplayTime)
		close(animDone)
	}()

	var initial *airport.Airport
	if icao := ui.startupICAO(); icao != "" {
		a, err := ui.airports.Lookup(icao)
		switch {
		case errors.Is(err, service.ErrInvalidICAO):
			log.Warn().Str("icao", icao).Msg("Ignoring invalid startup airport")
		case err != nil:
			<-animDone
			return fmt.Errorf("failed to load airport %s: %w", icao, err)
		default:
			initial = a
			log.Debug().Msgf("Loaded %s with %d channels in %v", a.ICAO, len(a.AudioChannels), time.Since(startTime))
		}
	}

	<-animDone

	ui.app.QueueUpdateDraw(func() {
		ui.loadingText.SetText("Loading configuration... (2/3)")
	})

	ui.config.CleanupFavorites(ui.airports.ValidICAOs(ui.config.Favorites))

	ui.animateProgress(stagePercent(1), stagePercent(2), MinStatusDisplayTime)

	ui.app.QueueUpdateDraw(func() {
		ui.loadingText.SetText("Building interface... (3/3)")
	})

	ui.setupUI()
	ui.airports.StartPeriodicRefresh(AirportRefreshPeriod, ui.onAirportRefreshed)

	ui.animateProgress(stagePercent(2), stagePercent(3), MinStatusDisplayTime)

	// Floor, not ceiling: wait only if real work finished early.
	if elapsed := time.Since(startTime); elapsed < MinLoadingDisplayTime {
		time.Sleep(MinLoadingDisplayTime - elapsed)
	}
	log.Debug().Msgf("Total loading time: %v", time.Since(startTime))

	ui.app.QueueUpdateDraw(func() {
		ui.app.SetRoot(ui.pages, true).EnableMouse(true)
		ui.startAnimation()
		ui.sampler.Start(context.Background())

		if initial == nil {
			ui.SaveConfig()
			ui.focusSearch()
			return
		}

		autoplay := ""
		if ui.config.Autostart {
			autoplay = ui.config.LastChannel
		}
		ui.showAirport(initial, autoplay)
		ui.SaveConfig()
	})

	return nil
}

func (ui *UI) setupUI() {
	header := ui.createHeader()

	ui.playerPanel = tview.NewFlex().SetDirection(tview.FlexRow)
	ui.playerPanel.SetBackgroundColor(ui.colors.background)
	ui.rebuildPlayerPanel()

	ui.searchInput = ui.createSearchInput()
	ui.channelList = ui.createChannelListTable()
	ui.debugPanel = ui.createDebugPanel()

	ui.helpPanel = ui.createFooter()

	debugHeight := 0
	if ui.showDebug {
		debugHeight = DebugPanelHeight
	}

	ui.contentLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, HeaderHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.playerPanel, PlayerPanelHeight, 0, false).
		AddItem(ui.debugPanel, debugHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.searchInput, SearchHeight, 0, false).
		AddItem(ui.channelList, 0, 1, true).
		AddItem(ui.helpPanel, FooterHeightWide, 0, false)
	ui.contentLayout.SetBackgroundColor(ui.colors.background)

	wrapper := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 3, 0, false).
		AddItem(ui.contentLayout, 0, 1, true).
		AddItem(nil, 3, 0, false)
	wrapper.SetBackgroundColor(ui.colors.background)

	ui.mainLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 1, 0, false).
		AddItem(wrapper, 0, 1, true).
		AddItem(nil, 1, 0, false)
	ui.mainLayout.SetBackgroundColor(ui.colors.background)

	ui.pages = tview.NewPages().
		AddPage("main", ui.mainLayout, true, true)
	ui.pages.SetBackgroundColor(ui.colors.background)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if ui.pages.HasPage("modal") || ui.pages.HasPage("error-modal") {
			return event
		}
		if ui.searchInput.HasFocus() {
			return event
		}
		return ui.globalInputHandler(event)
	})
}

func (ui *UI) createHeader() tview.Primitive {
	titleView := tview.NewTextView()
	titleView.SetText(" " + config.AppName)
	titleView.SetTextAlign(tview.AlignLeft)
	titleView.SetTextColor(ui.colors.foreground)
	titleView.SetBackgroundColor(ui.colors.headerBackground)

	ui.clockView = tview.NewTextView()
	ui.clockView.SetTextAlign(tview.AlignRight)
	ui.clockView.SetTextColor(ui.colors.highlight)
	ui.clockView.SetBackgroundColor(ui.colors.headerBackground)

	versionView := tview.NewTextView()
	versionView.SetText("v" + config.AppVersion + " ")
	versionView.SetTextAlign(tview.AlignRight)
	versionView.SetTextColor(ui.colors.foreground)
	versionView.SetBackgroundColor(ui.colors.headerBackground)

	textFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(titleView, 0, 1, false).
		AddItem(ui.clockView, 10, 0, false).
		AddItem(versionView, 10, 0, false)
	textFlex.SetBackgroundColor(ui.colors.headerBackground)

	topSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)
	bottomSpacer := tview.NewBox().SetBackgroundColor(ui.colors.headerBackground)

	textWithPadding := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false).
		AddItem(textFlex, 0, 1, false).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false)
	textWithPadding.SetBackgroundColor(ui.colors.headerBackground)

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topSpacer, 1, 0, false).
		AddItem(textWithPadding, 1, 0, false).
		AddItem(bottomSpacer, 1, 0, false)
	headerFlex.SetBackgroundColor(ui.colors.headerBackground)

	return headerFlex
}

// headerClock shows the local time while a channel is live.
func headerClock(now time.Time, active bool) string {
	if !active {
		return ""
	}
	return now.Format(clockLayout)
}

func (ui *UI) updateClock(now time.Time) {
	if ui.clockView == nil {
		return
	}
	ui.clockView.SetText(headerClock(now, ui.snap.IsPlaying && ui.activeController() != nil))
}

func (ui *UI) createSearchInput() *tview.InputField {
	input := tview.NewInputField().
		SetLabel(" Airport: ").
		SetPlaceholder("ICAO code or name, press / to search").
		SetFieldWidth(40)
	input.SetLabelColor(ui.colors.highlight)
	input.SetFieldBackgroundColor(ui.colors.frequencyTagBackground)
	input.SetFieldTextColor(ui.colors.foreground)
	input.SetPlaceholderTextColor(ui.colors.borders)
	input.SetBackgroundColor(ui.colors.background)

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			query := strings.TrimSpace(input.GetText())
			if query != "" {
				ui.searchAirport(query)
			}
			ui.app.SetFocus(ui.channelList)
		case tcell.KeyEscape:
			ui.app.SetFocus(ui.channelList)
		}
	})

	return input
}

func (ui *UI) focusSearch() {
	if ui.searchInput == nil {
		return
	}
	ui.searchInput.SetText("")
	ui.app.SetFocus(ui.searchInput)
}

// searchAirport opens an airport by code, or falls back to a name search.
func (ui *UI) searchAirport(query string) {
	go func() {
		if airport.ValidICAO(query) {
			a, err := ui.airports.Lookup(query)
			if err == nil {
				ui.app.QueueUpdateDraw(func() {
					ui.showAirport(a, "")
					ui.SaveConfig()
				})
				return
			}
			log.Debug().Err(err).Str("query", query).Msg("Airport lookup failed, searching by name")
		}

		results, err := ui.airports.Search(query)
		ui.app.QueueUpdateDraw(func() {
			switch {
			case err != nil:
				ui.showAirportError(err)
			case len(results) == 0:
				ui.showInfoModal("Search", fmt.Sprintf("No airports match %q.", query))
			default:
				ui.showSearchResults(query, results)
			}
		})
	}()
}

// loadAirport fetches icao in the background and shows it.
func (ui *UI) loadAirport(icao string) {
	go func() {
		a, err := ui.airports.Lookup(icao)
		ui.app.QueueUpdateDraw(func() {
			if err != nil {
				ui.showAirportError(err)
				return
			}
			ui.showAirport(a, "")
			ui.SaveConfig()
		})
	}()
}

// showAirport replaces the channel list. Playback of a channel from another
// airport keeps running until a new channel is chosen.
func (ui *UI) showAirport(a *airport.Airport, autoplay string) {
	ui.currentAirport = a
	ui.channels = a.AudioChannels
	ui.refreshChannelTable()
	ui.rebuildPlayerPanel()
	ui.app.SetFocus(ui.channelList)

	index := ui.findChannelIndex(autoplay)
	if index < 0 {
		ui.selectAndShowChannel(0)
		return
	}

	log.Debug().Msgf("Autostart enabled, playing last channel: %s", autoplay)
	ui.channelList.Select(index+1, 0)
	ui.onChannelSelected(index)
}

func (ui *UI) onAirportRefreshed(a *airport.Airport) {
	ui.app.QueueUpdateDraw(func() {
		if ui.currentAirport == nil || ui.currentAirport.ICAO != a.ICAO {
			return
		}
		ui.currentAirport = a
		ui.channels = a.AudioChannels
		ui.refreshChannelTable()
		ui.rebuildPlayerPanel()
	})
}

func (ui *UI) findChannelIndex(name string) int {
	if name == "" {
		return -1
	}
	for i, ch := range ui.channels {
		if ch.Name == name {
			return i
		}
	}
	return -1
}

func (ui *UI) isPlayingChannel(ch *airport.AudioChannel) bool {
	return ui.playing != nil && ui.playing.MP3URL == ch.MP3URL && ui.playing.Name == ch.Name
}

func (ui *UI) onChannelSelected(index int) {
	if index < 0 || index >= len(ui.channels) {
		return
	}
	ch := ui.channels[index]

	if !ch.Playable() {
		ui.showPlaybackErrorModal(fmt.Sprintf("%s is offline.\nPick another channel.", ch.Name))
		return
	}

	if ui.isPlayingChannel(&ch) {
		if snap, ok := ui.currentSnapshot(); ok && (snap.IsPlaying || snap.IsBuffering) {
			return
		}
	}

	streamURL := ch.MP3URL
	if ui.engine.StreamURL != nil {
		streamURL = ui.engine.StreamURL(ch.MP3URL)
	}

	ctrl := ui.engine.NewController(streamURL, ui.currentVolume)
	if ui.isMuted {
		ctrl.ToggleMute()
	}
	sub := ctrl.Subscribe()
	prev, prevSub := ui.detachController(ctrl, sub)

	ui.playing = &ch
	if ui.currentAirport != nil {
		ui.playingAirport = ui.currentAirport.DisplayName()
	}
	ui.snap = ctrl.Snapshot()
	ui.statusRenderer.SetSnapshot(ui.snap)

	ui.refreshChannelTable()
	ui.rebuildPlayerPanel()
	ui.updateDebugPanel()
	ui.SaveConfig()

	go ui.watchController(ctrl, sub)

	go func() {
		closeController(prev, prevSub)

		log.Info().Msgf("Starting playback for channel: %s", ch.Name)
		if err := ctrl.Play(context.Background()); err != nil {
			if errors.Is(err, player.ErrControllerClosed) || errors.Is(err, context.Canceled) {
				log.Debug().Msg("Playback stopped (channel changed)")
				return
			}
			log.Error().Err(err).Msg("Failed to play channel")
			ui.app.QueueUpdateDraw(func() {
				if ui.activeController() == ctrl {
					ui.showError(err)
				}
			})
		}
	}()
}

// watchController forwards controller state to the UI goroutine until the
// subscription ends.
func (ui *UI) watchController(ctrl *player.Controller, sub *player.Subscription) {
	for {
		select {
		case snap := <-sub.StateChanged:
			ui.app.QueueUpdateDraw(func() {
				if ui.activeController() != ctrl {
					return
				}
				ui.applySnapshot(snap)
			})
		case <-sub.Done:
			return
		case <-ui.stopUpdates:
			return
		}
	}
}

func (ui *UI) applySnapshot(snap player.Snapshot) {
	ui.snap = snap
	ui.statusRenderer.SetSnapshot(snap)
	ui.updateTitleView()
	ui.updateDebugPanel()
	ui.updateChannelListPlayingIndicator()
}

func (ui *UI) updateTitleView() {
	if ui.currentTitleView == nil {
		return
	}
	ui.currentTitleView.SetText(fmt.Sprintf(" [%s]%s[-]", ui.colors.highlight.String(), ui.nowPlayingText()))
}

func (ui *UI) nowPlayingText() string {
	if ui.playing == nil {
		return "Nothing playing"
	}
	if title := strings.TrimSpace(ui.snap.Title); title != "" {
		return title
	}
	if ui.playingAirport != "" {
		return ui.playing.Name + " · " + ui.playingAirport
	}
	return ui.playing.Name
}

func (ui *UI) createFrequencyTags(ch *airport.AudioChannel) *tview.Flex {
	container := tview.NewFlex().SetDirection(tview.FlexColumn)
	container.SetBackgroundColor(ui.colors.background)

	container.AddItem(tview.NewBox().SetBackgroundColor(ui.colors.background), 1, 0, false)

	if ch == nil || len(ch.Frequencies) == 0 {
		none := tview.NewTextView()
		none.SetText("N/A")
		none.SetTextColor(ui.colors.foreground)
		none.SetBackgroundColor(ui.colors.background)
		container.AddItem(none, 3, 0, false)
		return container
	}

	for i, f := range ch.Frequencies {
		label := strings.TrimSpace(f.Facility + " " + f.Frequency)

		tag := tview.NewTextView()
		tag.SetText(" " + label + " ")
		tag.SetTextColor(ui.colors.foreground)
		tag.SetBackgroundColor(ui.colors.frequencyTagBackground)
		tag.SetTextAlign(tview.AlignCenter)

		container.AddItem(tag, len(label)+2, 0, false)

		if i < len(ch.Frequencies)-1 {
			container.AddItem(tview.NewBox().SetBackgroundColor(ui.colors.background), 1, 0, false)
		}
	}

	container.AddItem(tview.NewBox().SetBackgroundColor(ui.colors.background), 0, 1, false)

	return container
}

func (ui *UI) label(text string) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetText(" " + text)
	tv.SetTextColor(ui.colors.foreground)
	tv.SetBackgroundColor(ui.colors.background)
	tv.SetWrap(false)
	return tv
}

func (ui *UI) value(text string, color tcell.Color, bold bool) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetDynamicColors(true)
	tv.SetText(fmt.Sprintf(" [%s]%s[-]", color.String(), tview.Escape(text)))
	tv.SetTextColor(color)
	tv.SetBackgroundColor(ui.colors.background)
	tv.SetWrap(false)
	if bold {
		tv.SetTextStyle(tcell.StyleDefault.Background(ui.colors.background).Attributes(tcell.AttrBold))
	}
	return tv
}

func (ui *UI) rebuildPlayerPanel() {
	if ui.playerPanel == nil {
		return
	}
	ui.playerPanel.Clear()
	ui.playerPanel.AddItem(ui.createContentPanel(), 0, 1, false)
}

func (ui *UI) createContentPanel() *tview.Flex {
	airportName := "No airport selected"
	location := "Press / to look up an airport"
	metar := ""
	if a := ui.currentAirport; a != nil {
		airportName = a.DisplayName()
		if ui.config.IsFavorite(a.ICAO) {
			airportName = "★ " + airportName
		}
		location = a.Location()
		metar = a.METAR
	}

	channelName := "-"
	if ui.playing != nil {
		channelName = ui.playing.Name
	}

	ui.currentTitleView = ui.value(ui.nowPlayingText(), ui.colors.highlight, true)
	ui.currentTitleView.SetWrap(true)

	metarView := ui.value(metar, ui.colors.foreground, false)
	metarView.SetWrap(true)

	infoContent := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ui.label("Airport:"), 1, 0, false).
		AddItem(ui.value(airportName, ui.colors.highlight, true), 1, 0, false).
		AddItem(ui.value(location, ui.colors.foreground, false), 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.label("Channel:"), 1, 0, false).
		AddItem(ui.value(channelName, ui.colors.highlight, true), 1, 0, false).
		AddItem(ui.createFrequencyTags(ui.playing), 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.label("Now:"), 1, 0, false).
		AddItem(ui.currentTitleView, 1, 0, false)
	if metar != "" {
		infoContent.AddItem(metarView, 0, 1, false)
	} else {
		infoContent.AddItem(nil, 0, 1, false)
	}
	infoContent.SetBackgroundColor(ui.colors.background)

	ui.visualizerView = ui.createVisualizer()
	ui.volumeView = ui.createGraphicalVolumeBar()

	contentFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(infoContent, 0, 1, false).
		AddItem(ui.visualizerView, VisualizerWidth, 0, false).
		AddItem(ui.volumeView, 7, 0, false)
	contentFlex.SetBackgroundColor(ui.colors.background)

	contentWithPadding := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 4, 0, false).
		AddItem(contentFlex, 0, 1, false).
		AddItem(nil, 4, 0, false)
	contentWithPadding.SetBackgroundColor(ui.colors.background)

	return contentWithPadding
}

type PlayingSpinner struct {
	Frames []string
	FPS    time.Duration
}

func NewPlayingSpinner() *PlayingSpinner {
	return &PlayingSpinner{
		Frames: []string{"⣾ ", "⣽ ", "⣻ ", "⢿ ", "⡿ ", "⣟ ", "⣯ ", "⣷ "},
		FPS:    time.Second / 10,
	}
}

func (ui *UI) getPlayingIndicator() string {
	if ui.playingSpinner == nil {
		ui.playingSpinner = NewPlayingSpinner()
	}

	frameIndex := ui.animationFrame % len(ui.playingSpinner.Frames)
	return ui.playingSpinner.Frames[frameIndex]
}

// startAnimation drives the spinner, the footer animation and the debug
// panel clock.
func (ui *UI) startAnimation() {
	if ui.playingSpinner == nil {
		ui.playingSpinner = NewPlayingSpinner()
	}

	go func() {
		ticker := time.NewTicker(ui.playingSpinner.FPS)
		defer ticker.Stop()

		for {
			select {
			case <-ui.stopUpdates:
				return
			case <-ticker.C:
				ui.app.QueueUpdateDraw(func() {
					ui.animationFrame++
					ui.statusRenderer.AdvanceAnimation()
					ui.updateChannelListPlayingIndicator()
					ui.updateDebugPanel()
					ui.updateClock(time.Now())
				})
			}
		}
	}()
}

// togglePause runs off the UI goroutine: pausing waits for in-flight
// connects to wind down.
func (ui *UI) togglePause() {
	ctrl := ui.activeController()
	if ctrl == nil {
		row, _ := ui.channelList.GetSelection()
		ui.onChannelSelected(row - 1)
		return
	}

	go func() {
		if err := ctrl.TogglePause(context.Background()); err != nil && !errors.Is(err, player.ErrControllerClosed) {
			ui.app.QueueUpdateDraw(func() {
				if ui.activeController() == ctrl {
					ui.showError(err)
				}
			})
		}
	}()
}

func (ui *UI) forceReload() {
	ctrl := ui.activeController()
	if ctrl == nil {
		return
	}

	go func() {
		if err := ctrl.ForceReload(context.Background()); err != nil && !errors.Is(err, player.ErrControllerClosed) {
			ui.app.QueueUpdateDraw(func() {
				if ui.activeController() == ctrl {
					ui.showError(err)
				}
			})
		}
	}()
}

func (ui *UI) toggleDebug() {
	ui.showDebug = !ui.showDebug
	height := 0
	if ui.showDebug {
		height = DebugPanelHeight
	}
	if ui.contentLayout != nil {
		ui.contentLayout.ResizeItem(ui.debugPanel, height, 0)
	}
	ui.updateDebugPanel()
	ui.SaveConfig()
}

func (ui *UI) toggleFavorite() {
	if ui.currentAirport == nil {
		return
	}
	ui.config.ToggleFavorite(ui.currentAirport.ICAO)
	ui.rebuildPlayerPanel()
	ui.SaveConfig()
}

// cycleFavorite opens the favorite airport delta places away from the current
// one.
func (ui *UI) cycleFavorite(delta int) {
	current := ""
	if ui.currentAirport != nil {
		current = ui.currentAirport.ICAO
	}
	if next := nextFavorite(ui.config.Favorites, current, delta); next != "" {
		ui.loadAirport(next)
	}
}

func nextFavorite(favorites []string, current string, delta int) string {
	n := len(favorites)
	if n == 0 {
		return ""
	}
	index := -1
	for i, f := range favorites {
		if f == current {
			index = i
			break
		}
	}
	if index < 0 {
		if delta < 0 {
			return favorites[n-1]
		}
		return favorites[0]
	}
	next := ((index+delta)%n + n) % n
	if favorites[next] == current {
		return ""
	}
	return favorites[next]
}

func (ui *UI) globalInputHandler(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			ui.stop()
			return nil
		case ' ':
			ui.togglePause()
			return nil
		case 'r', 'R':
			ui.forceReload()
			return nil
		case '/':
			ui.focusSearch()
			return nil
		case '>':
			ui.cycleFavorite(1)
			return nil
		case '<':
			ui.cycleFavorite(-1)
			return nil
		case 'f', 'F':
			ui.toggleFavorite()
			return nil
		case 'd', 'D':
			ui.toggleDebug()
			return nil
		case '+', '=':
			ui.adjustVolume(VolumeStep)
			return nil
		case '-', '_':
			ui.adjustVolume(-VolumeStep)
			return nil
		case 'm', 'M':
			ui.toggleMute()
			return nil
		case '?':
			ui.showHelpModal()
			return nil
		case 'a', 'A':
			ui.showAboutModal()
			return nil
		}
	case tcell.KeyEnter:
		row, _ := ui.channelList.GetSelection()
		ui.onChannelSelected(row - 1)
		return nil
	case tcell.KeyTab:
		ui.nextChannel()
		return nil
	case tcell.KeyBacktab:
		ui.prevChannel()
		return nil
	case tcell.KeyEscape:
		ui.stop()
		return nil
	case tcell.KeyRight:
		// Right arrow - volume up (hidden shortcut)
		ui.adjustVolume(VolumeStep)
		return nil
	case tcell.KeyLeft:
		// Left arrow - volume down (hidden shortcut)
		ui.adjustVolume(-VolumeStep)
		return nil
	}
	return event
}
