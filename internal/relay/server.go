// Package relay serves a local HTTP endpoint that resolves LiveATC playlist
// pointers and relays the underlying live MP3 stream to the playback engine.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	pointerTimeout  = 15 * time.Second
	shutdownTimeout = 5 * time.Second
	copyBufferSize  = 16 << 10
)

const (
	msgMissingURL    = "Missing url parameter"
	msgInvalidPLS    = "Invalid PLS file format"
	msgProxyFailed   = "Failed to proxy audio stream"
	msgRetriesFailed = "Failed to proxy audio stream after retries"
)

type Config struct {
	Listen         string
	PointerTimeout time.Duration
	// Retry bounds the attempts to open the upstream stream. MaxRetries
	// counts attempts, so 3 means the first try plus two retries.
	Retry backoff.Config
}

func DefaultConfig() Config {
	return Config{
		Listen:         config.DefaultRelayListen,
		PointerTimeout: pointerTimeout,
		Retry: backoff.Config{
			MinBackoff: 2 * time.Second,
			MaxBackoff: 4 * time.Second,
			MaxRetries: 3,
		},
	}
}

// Server is the relay HTTP server, run as a dskit service.
type Server struct {
	services.Service

	cfg      Config
	pointers *resty.Client
	streams  *resty.Client
	router   *mux.Router
	srv      *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// New builds a relay server. gatherer backs /metrics; nil uses the default
// registry.
func New(cfg Config, gatherer prometheus.Gatherer) *Server {
	def := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.PointerTimeout <= 0 {
		cfg.PointerTimeout = def.PointerTimeout
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = def.Retry
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg: cfg,
		pointers: resty.New().
			SetTimeout(cfg.PointerTimeout).
			SetHeader("User-Agent", userAgent),
		streams: resty.NewWithClient(&http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
				DisableCompression:    true,
			},
		}).SetHeader("User-Agent", userAgent),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.router = mux.NewRouter()
	s.router.HandleFunc("/api/audio", s.handleAudio).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Handler exposes the router without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) starting(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", s.cfg.Listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("Relay listening")
	return nil
}

func (s *Server) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) stopping(_ error) error {
	// Relayed streams never go idle; cancel them so Shutdown can drain.
	s.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("Relay shutdown timed out, closing connections")
		return s.srv.Close()
	}
	log.Debug().Msg("Relay stopped")
	return nil
}

// Addr returns the bound address once the service is running, else the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Listen
}

// StreamURL returns the relay URL the engine should open for a playlist
// pointer.
func (s *Server) StreamURL(pointer string) string {
	return StreamURL(s.Addr(), pointer)
}

// StreamURL builds a relay URL for addr.
func StreamURL(addr, pointer string) string {
	return fmt.Sprintf("http://%s/api/audio?url=%s", addr, url.QueryEscape(pointer))
}

type relayError struct {
	status  int
	message string
	err     error
}

func (e *relayError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *relayError) Unwrap() error { return e.err }

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	pointer := r.URL.Query().Get("url")
	if pointer == "" {
		writeError(w, http.StatusBadRequest, msgMissingURL)
		return
	}

	streamURL, err := s.resolve(r.Context(), pointer)
	if err != nil {
		var rerr *relayError
		if errors.As(err, &rerr) {
			log.Debug().Err(err).Str("pointer", pointer).Msg("Playlist resolution failed")
			writeError(w, rerr.status, rerr.message)
			return
		}
		writeError(w, http.StatusInternalServerError, msgProxyFailed)
		return
	}

	resp, err := s.openUpstream(r.Context(), streamURL, r.Header.Get("Icy-MetaData"))
	if err != nil {
		log.Error().Err(err).Str("stream", streamURL).Msg("Error proxying audio stream after retries")
		writeError(w, http.StatusServiceUnavailable, msgRetriesFailed)
		return
	}
	defer resp.RawBody().Close()

	s.copyStream(w, resp)
}

// resolve turns a playlist pointer into the URL of the live stream.
func (s *Server) resolve(ctx context.Context, pointer string) (string, error) {
	resp, err := s.pointers.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(pointer)
	if err != nil {
		return "", &relayError{status: http.StatusInternalServerError, message: msgProxyFailed, err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return "", &relayError{
			status:  resp.StatusCode(),
			message: "Failed to fetch PLS file: " + http.StatusText(resp.StatusCode()),
		}
	}

	if isStreamResponse(resp.Header()) {
		return pointer, nil
	}

	content, err := readPointer(body)
	if err != nil {
		return "", &relayError{status: http.StatusInternalServerError, message: msgProxyFailed, err: err}
	}

	streamURL, err := parsePointer(pointer, resp.Header().Get("Content-Type"), content)
	if err != nil {
		return "", &relayError{status: http.StatusBadRequest, message: msgInvalidPLS, err: err}
	}
	log.Debug().Str("pointer", pointer).Str("stream", streamURL).Msg("Resolved playlist")
	return streamURL, nil
}

// openUpstream fetches the stream, retrying with backoff until it answers
// with an audio content type.
func (s *Server) openUpstream(ctx context.Context, streamURL, icyMeta string) (*resty.Response, error) {
	boff := backoff.New(ctx, s.cfg.Retry)
	var lastErr error

	for boff.Ongoing() {
		resp, err := s.fetchStream(ctx, streamURL, icyMeta)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		upstreamFailuresTotal.Inc()
		log.Debug().Err(err).Int("attempt", boff.NumRetries()+1).Str("stream", streamURL).Msg("Upstream attempt failed")
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, lastErr
}

func (s *Server) fetchStream(ctx context.Context, streamURL, icyMeta string) (*resty.Response, error) {
	req := s.streams.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if icyMeta != "" {
		req.SetHeader("Icy-MetaData", icyMeta)
	}

	resp, err := req.Get(streamURL)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		resp.RawBody().Close()
		return nil, fmt.Errorf("HTTP error! status: %d", resp.StatusCode())
	}
	if ct := resp.Header().Get("Content-Type"); !isAudioType(ct) {
		resp.RawBody().Close()
		return nil, fmt.Errorf("invalid content type: %q", ct)
	}
	return resp, nil
}

func (s *Server) copyStream(w http.ResponseWriter, resp *resty.Response) {
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	for _, name := range []string{"icy-metaint", "icy-name", "icy-br"} {
		if v := resp.Header().Get(name); v != "" {
			h.Set(name, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()

	activeStreams.Inc()
	defer activeStreams.Dec()

	flusher, _ := w.(http.Flusher)
	body := resp.RawBody()
	buf := make([]byte, copyBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			bytesRelayed.Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("Relay stream ended")
			}
			return
		}
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func writeError(w http.ResponseWriter, status int, message string) {
	requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
