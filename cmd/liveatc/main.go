package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/glebovdev/liveatc-cli/internal/api"
	"github.com/glebovdev/liveatc-cli/internal/cache"
	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/glebovdev/liveatc-cli/internal/relay"
	"github.com/glebovdev/liveatc-cli/internal/service"
	"github.com/glebovdev/liveatc-cli/internal/ui"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	icaoFlag    = flag.String("icao", "", "Open this airport on start (e.g. KJFK)")
	relayFlag   = flag.String("relay", "", "Use an already running relay at host:port instead of starting one")
	listenFlag  = flag.String("listen", "", "Address for the built-in relay (overrides config)")
	apiFlag     = flag.String("api", "", "Airport directory base URL (overrides config)")
	serveFlag   = flag.Bool("serve", false, "Run only the stream relay, without the player")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func setupLogging(debug, serve bool) {
	switch {
	case serve:
		// No TUI to protect, log straight to the terminal.
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	case debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)

		cacheDir, err := cache.GetCacheDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
			cacheDir = os.TempDir()
		}
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
		}
		logPath := filepath.Join(cacheDir, "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
			logFile = os.Stderr
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
		fmt.Printf("Debug log: %s\n", logPath)
		log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
	default:
		// Avoid TUI corruption by only logging errors to /dev/null
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
		if err == nil {
			log.Logger = log.Output(logFile)
		}
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
	}
	if *listenFlag != "" {
		cfg.Relay.Listen = *listenFlag
	}
	if *apiFlag != "" {
		cfg.Directory.BaseURL = *apiFlag
	}
	return cfg
}

func newRegistry() *prometheus.Registry {
	version.Version = config.AppVersion

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		version.NewCollector("liveatc"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	player.RegisterMetrics(reg)
	relay.RegisterMetrics(reg)
	return reg
}

func startRelay(cfg *config.Config, reg *prometheus.Registry) (*relay.Server, error) {
	relayCfg := relay.DefaultConfig()
	relayCfg.Listen = cfg.Relay.Listen

	srv := relay.New(relayCfg, reg)
	if err := services.StartAndAwaitRunning(context.Background(), srv); err != nil {
		return nil, errors.Wrapf(err, "starting relay on %s", relayCfg.Listen)
	}
	return srv, nil
}

func stopRelay(srv *relay.Server) {
	if srv == nil {
		return
	}
	if err := services.StopAndAwaitTerminated(context.Background(), srv); err != nil {
		log.Error().Err(err).Msg("Relay did not stop cleanly")
	}
}

// serve runs the relay in the foreground until a signal arrives.
func serve(cfg *config.Config, reg *prometheus.Registry) error {
	srv, err := startRelay(cfg, reg)
	if err != nil {
		return err
	}
	log.Info().Msgf("Relay ready: %s", relay.StreamURL(srv.Addr(), "<playlist url>"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	terminated := make(chan error, 1)
	go func() {
		terminated <- srv.AwaitTerminated(context.Background())
	}()

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal, cleaning up...")
	case err := <-terminated:
		return errors.Wrap(err, "relay stopped unexpectedly")
	}

	stopRelay(srv)
	return nil
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	setupLogging(*debugFlag, *serveFlag)

	cfg := loadConfig()
	reg := newRegistry()

	if *debugFlag {
		if configPath, err := config.GetConfigPath(); err == nil {
			log.Debug().Msgf("Config: %s", configPath)
		}
		if cacheDir, err := cache.GetCacheDir(); err == nil {
			log.Debug().Msgf("Cache: %s", cacheDir)
		}
		log.Debug().Msgf("Directory: %s", cfg.Directory.BaseURL)
	}

	if *serveFlag {
		if err := serve(cfg, reg); err != nil {
			log.Error().Err(err).Msg("Relay failed")
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var relaySrv *relay.Server
	streamURL := func(pointer string) string { return relay.StreamURL(*relayFlag, pointer) }
	if *relayFlag == "" {
		srv, err := startRelay(cfg, reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		relaySrv = srv
		streamURL = srv.StreamURL
	}

	graphs := player.NewGraphProvider(nil, player.GraphOptions{})
	engine := ui.Engine{
		Graphs:    graphs,
		StreamURL: streamURL,
		NewController: func(url string, volume int) *player.Controller {
			return player.NewController(url, player.Options{
				Engine: cfg.Engine,
				Graphs: graphs,
				Volume: volume,
			})
		},
	}

	airports := service.NewAirportService(api.NewDirectoryClient(cfg.Directory.BaseURL))
	liveatcUI := ui.NewUI(cfg, airports, engine, *icaoFlag)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	uiDone := make(chan error, 1)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, cleaning up...")
		liveatcUI.Shutdown()
	}()

	log.Info().Msg("Starting UI...")

	// Run UI in a goroutine so we can handle signals properly
	go func() {
		uiDone <- liveatcUI.Run()
	}()

	err := <-uiDone
	stopRelay(relaySrv)

	if err != nil {
		log.Error().Err(errors.WithStack(err)).Msg("Error running UI")
		os.Exit(1)
	}

	log.Info().Msgf("%s stopped", config.AppName)
}
