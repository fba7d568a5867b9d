package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"gopkg.in/yaml.v3"
)

const (
	AppName           = "LiveATC CLI"
	AppTagline        = "Terminal air traffic control radio"
	AppDescription    = "A terminal-based gapless player for live air traffic control feeds"
	AppAuthor         = "Ilya Glebov"
	AppAuthorURL      = "https://ilyaglebov.dev"
	AppAuthorURLShort = "ilyaglebov.dev"
	AppProjectURL     = "https://github.com/glebovdev/liveatc-cli"
	AppProjectShort   = "github.com/glebovdev/liveatc-cli"
	AppFeedsURL       = "https://www.liveatc.net/"
	AppFeedsShort     = "liveatc.net"

	ConfigDir      = ".config/liveatc"
	ConfigFileName = "config.yml"
	DefaultVolume  = 70
	MinVolume      = 0
	MaxVolume      = 100

	DefaultReconnectInterval = 8500 * time.Millisecond
	DefaultSetupTimeout      = 10 * time.Second
	DefaultStartTimeout      = 5 * time.Second
	DefaultRetryBackoff      = 2 * time.Second
	DefaultSwapDelay         = 100 * time.Millisecond
	DefaultMaxPauseDelay     = 5 * time.Second

	DefaultRelayListen      = "127.0.0.1:8417"
	DefaultDirectoryBaseURL = "http://127.0.0.1:8000/api"
	DefaultVisualizerFPS    = 30
	DefaultVisualizerBars   = 64
	MaxVisualizerFPS        = 60
)

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/glebovdev/liveatc-cli/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

type Theme struct {
	Background                  string `yaml:"background"`
	Foreground                  string `yaml:"foreground"`
	Borders                     string `yaml:"borders"`
	Highlight                   string `yaml:"highlight"`
	MutedVolume                 string `yaml:"muted_volume"`
	HeaderBackground            string `yaml:"header_background"`
	ChannelListHeaderBackground string `yaml:"channel_list_header_background"`
	ChannelListHeaderForeground string `yaml:"channel_list_header_foreground"`
	HelpBackground              string `yaml:"help_background"`
	HelpForeground              string `yaml:"help_foreground"`
	HelpHotkey                  string `yaml:"help_hotkey"`
	FrequencyTagBackground      string `yaml:"frequency_tag_background"`
	OnlineStatus                string `yaml:"online_status"`
	OfflineStatus               string `yaml:"offline_status"`
	ModalBackground             string `yaml:"modal_background"`
}

// Engine tunes the gapless playback engine. Durations are written as Go
// duration strings ("8.5s").
type Engine struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SetupTimeout      time.Duration `yaml:"setup_timeout"`
	StartTimeout      time.Duration `yaml:"start_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	SwapDelay         time.Duration `yaml:"swap_delay"`
	MaxPauseDelay     time.Duration `yaml:"max_pause_delay"`
}

func DefaultEngine() Engine {
	return Engine{
		ReconnectInterval: DefaultReconnectInterval,
		SetupTimeout:      DefaultSetupTimeout,
		StartTimeout:      DefaultStartTimeout,
		RetryBackoff:      DefaultRetryBackoff,
		SwapDelay:         DefaultSwapDelay,
		MaxPauseDelay:     DefaultMaxPauseDelay,
	}
}

// WithDefaults fills every non-positive duration with its default. A zero
// swap delay is kept as is.
func (e Engine) WithDefaults() Engine {
	d := DefaultEngine()
	if e.ReconnectInterval <= 0 {
		e.ReconnectInterval = d.ReconnectInterval
	}
	if e.SetupTimeout <= 0 {
		e.SetupTimeout = d.SetupTimeout
	}
	if e.StartTimeout <= 0 {
		e.StartTimeout = d.StartTimeout
	}
	if e.RetryBackoff <= 0 {
		e.RetryBackoff = d.RetryBackoff
	}
	if e.SwapDelay < 0 {
		e.SwapDelay = d.SwapDelay
	}
	if e.MaxPauseDelay <= 0 {
		e.MaxPauseDelay = d.MaxPauseDelay
	}
	return e
}

type Relay struct {
	Listen string `yaml:"listen"`
}

type Directory struct {
	BaseURL string `yaml:"base_url"`
}

type Visualizer struct {
	FPS  int `yaml:"fps"`
	Bars int `yaml:"bars"`
}

// ClampFPS keeps the frame rate within [1, MaxVisualizerFPS].
func ClampFPS(fps int) int {
	if fps <= 0 {
		return DefaultVisualizerFPS
	}
	if fps > MaxVisualizerFPS {
		return MaxVisualizerFPS
	}
	return fps
}

type Config struct {
	Volume      int        `yaml:"volume"`
	LastAirport string     `yaml:"last_airport"`
	LastChannel string     `yaml:"last_channel"`
	Autostart   bool       `yaml:"autostart"`
	ShowDebug   bool       `yaml:"show_debug"`
	Favorites   []string   `yaml:"favorites"`
	Engine      Engine     `yaml:"engine"`
	Relay       Relay      `yaml:"relay"`
	Directory   Directory  `yaml:"directory"`
	Visualizer  Visualizer `yaml:"visualizer"`
	Theme       Theme      `yaml:"theme"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(home, ConfigDir, ConfigFileName)
	return configPath, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

func (c *Config) normalize() {
	c.Volume = ClampVolume(c.Volume)
	c.Engine = c.Engine.WithDefaults()
	c.Visualizer.FPS = ClampFPS(c.Visualizer.FPS)
	if c.Visualizer.Bars <= 0 {
		c.Visualizer.Bars = DefaultVisualizerBars
	}
	if strings.TrimSpace(c.Relay.Listen) == "" {
		c.Relay.Listen = DefaultRelayListen
	}
	if strings.TrimSpace(c.Directory.BaseURL) == "" {
		c.Directory.BaseURL = DefaultDirectoryBaseURL
	}
	c.Directory.BaseURL = strings.TrimRight(c.Directory.BaseURL, "/")
	c.LastAirport = strings.ToUpper(strings.TrimSpace(c.LastAirport))
	for i, icao := range c.Favorites {
		c.Favorites[i] = strings.ToUpper(strings.TrimSpace(icao))
	}
}

func DefaultConfig() *Config {
	return &Config{
		Volume:      DefaultVolume,
		LastAirport: "",
		Autostart:   false,
		Favorites:   []string{},
		Engine:      DefaultEngine(),
		Relay:       Relay{Listen: DefaultRelayListen},
		Directory:   Directory{BaseURL: DefaultDirectoryBaseURL},
		Visualizer: Visualizer{
			FPS:  DefaultVisualizerFPS,
			Bars: DefaultVisualizerBars,
		},
		Theme: Theme{
			Background:                  "#1a1b25",
			Foreground:                  "#a3aacb",
			Borders:                     "#40445b",
			Highlight:                   "#ff9d65",
			MutedVolume:                 "#fe0702",
			HeaderBackground:            "#473533",
			ChannelListHeaderBackground: "#3a3d4f",
			ChannelListHeaderForeground: "#c8d0e8",
			HelpBackground:              "#322f45",
			HelpForeground:              "#9aa3c6",
			HelpHotkey:                  "#ff9d65",
			FrequencyTagBackground:      "#3a3d4f",
			OnlineStatus:                "#22c55e",
			OfflineStatus:               "#fe0702",
			ModalBackground:             "#282a36",
		},
	}
}

// IsFavorite matches airport ICAO codes case-insensitively.
func (c *Config) IsFavorite(icao string) bool {
	icao = strings.ToUpper(strings.TrimSpace(icao))
	for _, id := range c.Favorites {
		if id == icao {
			return true
		}
	}
	return false
}

func (c *Config) ToggleFavorite(icao string) {
	icao = strings.ToUpper(strings.TrimSpace(icao))
	if icao == "" {
		return
	}
	for i, id := range c.Favorites {
		if id == icao {
			c.Favorites = append(c.Favorites[:i], c.Favorites[i+1:]...)
			return
		}
	}
	c.Favorites = append(c.Favorites, icao)
}

// CleanupFavorites drops favorites the directory no longer knows about.
func (c *Config) CleanupFavorites(validICAOs map[string]bool) {
	cleaned := []string{}
	for _, id := range c.Favorites {
		if validICAOs[id] {
			cleaned = append(cleaned, id)
		}
	}
	c.Favorites = cleaned
}

func GetColor(colorStr string) tcell.Color {
	if colorStr == "" || colorStr == "default" {
		return tcell.ColorDefault
	}
	return tcell.GetColor(colorStr)
}
