package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/rs/zerolog/log"
)

const (
	NetworkReadSize       = 4096
	SampleChannelSize     = 8192
	DefaultReadyThreshold = SampleChannelSize / 4
	ReadTimeout           = 5 * time.Second
	VolumeCurveExponent   = 0.5
	MinVolumeDB           = -10.0
	ResampleQuality       = 3
	fadeInDuration        = 50 * time.Millisecond
	decodeBatchSize       = 1024
	eventBufferSize       = 16
)

type Role int

const (
	RoleActive Role = iota
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

type Readiness int

const (
	ReadinessLoading Readiness = iota
	ReadinessReady
	ReadinessPlaying
	ReadinessFailed
	ReadinessDisposed
)

func (r Readiness) String() string {
	switch r {
	case ReadinessLoading:
		return "LOADING"
	case ReadinessReady:
		return "READY"
	case ReadinessPlaying:
		return "PLAYING"
	case ReadinessFailed:
		return "FAILED"
	case ReadinessDisposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// DecodeFunc turns a compressed byte stream into PCM frames.
type DecodeFunc func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

func decodeMP3(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return mp3.Decode(rc)
}

// Hooks are invoked off the audio goroutine. Waiting and playing fire on a
// per-source dispatcher, errors on their own goroutine.
type Hooks struct {
	OnWaiting func(*StreamSource)
	OnPlaying func(*StreamSource)
	OnError   func(*StreamSource, error)
}

type SourceOptions struct {
	Client         *http.Client
	Decode         DecodeFunc
	Role           Role
	Muted          bool
	Volume         int
	ReadyThreshold int
	Hooks          Hooks
}

type sourceEvent int

const (
	eventWaiting sourceEvent = iota
	eventPlaying
)

// Relies on context cancellation to clean up the spawned read goroutine.
type contextReader struct {
	reader  io.Reader
	ctx     context.Context
	timeout time.Duration
}

func (cr *contextReader) Read(p []byte) (n int, err error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}

	timer := time.NewTimer(cr.timeout)
	defer timer.Stop()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := cr.reader.Read(p)
		select {
		case done <- result{n, err}:
		case <-cr.ctx.Done():
		}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("read timeout: no data received for %v", cr.timeout)
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	}
}

func newStreamClient() *http.Client {
	return &http.Client{
		Timeout: 0, // streams are long-lived
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
		},
	}
}

// StreamSource is one network connection to a live stream together with its
// decode pipeline, its output handle and its node in the analysis graph.
type StreamSource struct {
	url            string
	graph          *AnalysisGraph
	client         *http.Client
	decode         DecodeFunc
	readyThreshold int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	role       Role
	readiness  Readiness
	hooks      Hooks
	body       io.ReadCloser
	tap        *graphTap
	err        error
	title      string
	disposed   bool
	startedAt  time.Time
	disposedAt time.Time

	// guarded by the graph output lock
	muted         bool
	volumePercent int
	volume        *effects.Volume
	ctrl          *beep.Ctrl

	sampleCh chan [2]float64
	events   chan sourceEvent

	ready       chan struct{}
	readyOnce   sync.Once
	flowing     chan struct{}
	flowOnce    sync.Once
	done        chan struct{}
	releaseOnce sync.Once
	disposeOnce sync.Once
}

// OpenSource creates a paused source bound to rawURL and starts buffering it
// in the background.
func OpenSource(rawURL string, graph *AnalysisGraph, opts SourceOptions) (*StreamSource, error) {
	if graph == nil {
		return nil, &SetupError{URL: rawURL, Err: ErrGraphUnavailable}
	}
	if err := validateStreamURL(rawURL); err != nil {
		return nil, &SetupError{URL: rawURL, Err: err}
	}

	if opts.Client == nil {
		opts.Client = newStreamClient()
	}
	if opts.Decode == nil {
		opts.Decode = decodeMP3
	}
	if opts.ReadyThreshold <= 0 || opts.ReadyThreshold > SampleChannelSize {
		opts.ReadyThreshold = DefaultReadyThreshold
	}
	if opts.Volume < 0 {
		opts.Volume = config.DefaultVolume
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSource{
		url:            rawURL,
		graph:          graph,
		client:         opts.Client,
		decode:         opts.Decode,
		readyThreshold: opts.ReadyThreshold,
		ctx:            ctx,
		cancel:         cancel,
		role:           opts.Role,
		readiness:      ReadinessLoading,
		hooks:          opts.Hooks,
		muted:          opts.Muted,
		volumePercent:  opts.Volume,
		sampleCh:       make(chan [2]float64, SampleChannelSize),
		events:         make(chan sourceEvent, eventBufferSize),
		ready:          make(chan struct{}),
		flowing:        make(chan struct{}),
		done:           make(chan struct{}),
	}

	fadeInSamples := graph.SampleRate().N(fadeInDuration)
	s.volume = &effects.Volume{
		Streamer: &sourceStreamer{
			src:             s,
			fadeInRemaining: fadeInSamples,
			fadeInTotal:     fadeInSamples,
		},
		Base:   2,
		Volume: percentToExponent(float64(opts.Volume)),
		Silent: opts.Muted || opts.Volume == 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume, Paused: true}

	go s.dispatchEvents()
	go s.load()

	log.Debug().Str("role", opts.Role.String()).Str("url", rawURL).Msg("Stream source opened")
	return s, nil
}

func validateStreamURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// bustCache replaces the t query parameter with the current unix milliseconds.
func bustCache(raw string, now time.Time) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// AttachToGraph wires the output handle into graph. It must be called once,
// after OpenSource and before Start.
func (s *StreamSource) AttachToGraph(graph *AnalysisGraph) error {
	if graph == nil {
		return &GraphError{Err: ErrGraphUnavailable}
	}

	s.mu.Lock()
	switch {
	case s.disposed, s.readiness == ReadinessFailed:
		s.mu.Unlock()
		return &GraphError{Err: ErrSourceDisposed}
	case s.tap != nil:
		s.mu.Unlock()
		return &GraphError{Err: ErrAlreadyAttached}
	}
	tap := &graphTap{s: s.ctrl}
	s.tap = tap
	s.graph = graph
	s.mu.Unlock()

	if err := graph.connect(tap); err != nil {
		tap.detached.Store(true)
		return &GraphError{Err: err}
	}
	return nil
}

// WaitReady blocks until enough audio is buffered to start without an
// immediate underrun.
func (s *StreamSource) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		err := contextFailure("setup", ctx.Err())
		s.fail(err)
		return err
	}
}

// Start unpauses the handle and returns once the output has pulled real audio
// through it. A source whose start fails is left failed.
func (s *StreamSource) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.disposed, s.readiness == ReadinessFailed:
		s.mu.Unlock()
		return s.Err()
	case s.tap == nil:
		s.mu.Unlock()
		return &GraphError{Err: ErrNotAttached}
	}
	s.mu.Unlock()

	s.graph.withOutputLock(func() {
		s.ctrl.Paused = false
	})

	select {
	case <-s.flowing:
		s.mu.Lock()
		if s.readiness == ReadinessLoading || s.readiness == ReadinessReady {
			s.readiness = ReadinessPlaying
			s.startedAt = time.Now()
		}
		s.mu.Unlock()
		log.Debug().Str("role", s.Role().String()).Msg("Stream source playing")
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		err := contextFailure("start", ctx.Err())
		s.fail(err)
		return err
	}
}

func contextFailure(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &TransientStreamError{Op: op, Err: err}
}

// Dispose stops the handle, disconnects the tap, drops all hooks and closes
// the connection. Calls after the first have no effect.
func (s *StreamSource) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.disposed = true
		if s.readiness != ReadinessFailed {
			s.readiness = ReadinessDisposed
		}
		s.hooks = Hooks{}
		s.disposedAt = time.Now()
		role := s.role
		s.mu.Unlock()

		s.release()
		log.Debug().Str("role", role.String()).Msg("Stream source disposed")
	})
}

func (s *StreamSource) fail(err error) {
	s.mu.Lock()
	if s.disposed || s.readiness == ReadinessFailed {
		s.mu.Unlock()
		return
	}
	s.readiness = ReadinessFailed
	s.err = err
	onError := s.hooks.OnError
	s.hooks = Hooks{}
	role := s.role
	s.mu.Unlock()

	log.Debug().Err(err).Str("role", role.String()).Msg("Stream source failed")
	s.release()

	if onError != nil {
		go onError(s, err)
	}
}

func (s *StreamSource) release() {
	s.releaseOnce.Do(func() {
		s.cancel()

		s.graph.withOutputLock(func() {
			s.ctrl.Paused = true
		})

		s.mu.Lock()
		tap := s.tap
		body := s.body
		s.body = nil
		s.mu.Unlock()

		if tap != nil {
			s.graph.disconnect(tap)
		}
		if body != nil {
			body.Close()
		}
		close(s.done)
	})
}

func (s *StreamSource) Pause() {
	s.graph.withOutputLock(func() {
		s.ctrl.Paused = true
	})
}

func (s *StreamSource) Resume() {
	s.graph.withOutputLock(func() {
		s.ctrl.Paused = false
	})
}

func (s *StreamSource) SetMuted(muted bool) {
	s.graph.withOutputLock(func() {
		s.muted = muted
		s.volume.Silent = muted || s.volumePercent == 0
	})
}

func (s *StreamSource) SetVolume(volumePercent int) {
	level := percentToExponent(float64(volumePercent))
	s.graph.withOutputLock(func() {
		s.volumePercent = volumePercent
		s.volume.Volume = level
		s.volume.Silent = s.muted || volumePercent == 0
	})
}

func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}

func (s *StreamSource) URL() string { return s.url }

func (s *StreamSource) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *StreamSource) setRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

func (s *StreamSource) Readiness() Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readiness
}

// Err returns the failure that ended the source, if any.
func (s *StreamSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.disposed {
		return &TransientStreamError{Op: "start", Err: ErrSourceDisposed}
	}
	return nil
}

// Title returns the last ICY StreamTitle seen on the connection.
func (s *StreamSource) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *StreamSource) setTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title != s.title {
		s.title = title
		log.Debug().Msgf("Stream title: %s", title)
	}
}

// BufferHealth returns the decoded buffer fill level as a percentage (0-100).
func (s *StreamSource) BufferHealth() int {
	return (len(s.sampleCh) * 100) / cap(s.sampleCh)
}

func (s *StreamSource) markReady() {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		if s.readiness == ReadinessLoading {
			s.readiness = ReadinessReady
		}
		s.mu.Unlock()
		close(s.ready)
	})
}

// markFlowing runs on the audio goroutine and must not block.
func (s *StreamSource) markFlowing() {
	s.flowOnce.Do(func() {
		close(s.flowing)
	})
	s.emit(eventPlaying)
}

func (s *StreamSource) emit(ev sourceEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *StreamSource) dispatchEvents() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.mu.Lock()
			hooks := s.hooks
			s.mu.Unlock()

			switch ev {
			case eventWaiting:
				if hooks.OnWaiting != nil {
					hooks.OnWaiting(s)
				}
			case eventPlaying:
				if hooks.OnPlaying != nil {
					hooks.OnPlaying(s)
				}
			}
		}
	}
}

func (s *StreamSource) load() {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.fail(&TransientStreamError{Op: "connect", Err: err})
		return
	}
	req.Header.Set("User-Agent", fmt.Sprintf("LiveATC-CLI/%s", config.AppVersion))
	req.Header.Set("Icy-MetaData", "1")

	resp, err := s.client.Do(req)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(&TransientStreamError{Op: "connect", Err: err})
		}
		return
	}

	log.Debug().Msgf("Stream response status: %d, Content-Type: %s", resp.StatusCode, resp.Header.Get("Content-Type"))

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.fail(&TransientStreamError{Op: "connect", Err: &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}})
		return
	}

	s.mu.Lock()
	if s.disposed || s.readiness == ReadinessFailed {
		s.mu.Unlock()
		resp.Body.Close()
		return
	}
	s.body = resp.Body
	s.mu.Unlock()

	var icyMetaint int
	if val := resp.Header.Get("icy-metaint"); val != "" {
		_, _ = fmt.Sscanf(val, "%d", &icyMetaint)
		log.Debug().Msgf("ICY metadata interval: %d bytes", icyMetaint)
	}

	pipeReader, pipeWriter := io.Pipe()
	bodyReader := &contextReader{
		reader:  resp.Body,
		ctx:     s.ctx,
		timeout: ReadTimeout,
	}
	go s.readNetworkStream(bodyReader, pipeWriter, icyMetaint)

	streamer, format, err := s.decode(pipeReader)
	if err != nil {
		pipeReader.CloseWithError(err)
		if s.ctx.Err() == nil {
			s.fail(&TransientStreamError{Op: "decode", Err: err})
		}
		return
	}

	var src beep.Streamer = streamer
	if format.SampleRate != s.graph.SampleRate() {
		log.Debug().Msgf("Resampling stream from %d Hz to %d Hz", format.SampleRate, s.graph.SampleRate())
		src = beep.Resample(ResampleQuality, format.SampleRate, s.graph.SampleRate(), streamer)
	}

	s.decodeAndBuffer(src, streamer, pipeReader)
}

func (s *StreamSource) readNetworkStream(bodyReader io.Reader, pipeWriter *io.PipeWriter, icyMetaint int) {
	var exitErr error
	defer func() {
		if exitErr != nil {
			pipeWriter.CloseWithError(exitErr)
		} else {
			pipeWriter.Close()
		}
	}()

	reportError := func(err error) {
		exitErr = err
		if s.ctx.Err() == nil {
			s.fail(&TransientStreamError{Op: "read", Err: err})
		}
	}

	chunkSize := int64(icyMetaint)
	if chunkSize == 0 {
		chunkSize = NetworkReadSize
	}

	bufReader := bufio.NewReader(bodyReader)

	for {
		if s.ctx.Err() != nil {
			return
		}

		_, err := io.CopyN(pipeWriter, bufReader, chunkSize)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if err == io.EOF {
				reportError(ErrStreamEnded)
			} else {
				reportError(fmt.Errorf("network read error: %w", err))
			}
			return
		}

		if icyMetaint == 0 {
			continue
		}

		metaLenByte, err := bufReader.ReadByte()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reportError(fmt.Errorf("metadata read error: %w", err))
			return
		}

		metaLen := int(metaLenByte) * 16
		if metaLen == 0 {
			continue
		}

		metaData := make([]byte, metaLen)
		if _, err := io.ReadFull(bufReader, metaData); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reportError(fmt.Errorf("metadata content error: %w", err))
			return
		}

		if title, ok := parseStreamTitle(string(metaData)); ok {
			s.setTitle(title)
		}
	}
}

func parseStreamTitle(meta string) (string, bool) {
	const key = "StreamTitle='"
	start := strings.Index(meta, key)
	if start < 0 {
		return "", false
	}
	start += len(key)
	end := strings.Index(meta[start:], "';")
	if end < 0 {
		return "", false
	}
	return meta[start : start+end], true
}

func (s *StreamSource) decodeAndBuffer(src beep.Streamer, streamer beep.StreamSeekCloser, pipeReader *io.PipeReader) {
	defer func() {
		streamer.Close()
		pipeReader.Close()
		log.Debug().Str("role", s.Role().String()).Msg("Decoder goroutine stopped")
	}()

	decoded := make([][2]float64, decodeBatchSize)
	pushed := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		n, ok := src.Stream(decoded)
		for i := 0; i < n; i++ {
			select {
			case <-s.ctx.Done():
				return
			case s.sampleCh <- decoded[i]:
			}
			pushed++
			if pushed == s.readyThreshold {
				s.markReady()
			}
		}

		if !ok {
			if s.ctx.Err() != nil {
				return
			}
			err := streamer.Err()
			if err == nil {
				err = ErrStreamEnded
			}
			s.fail(&TransientStreamError{Op: "decode", Err: err})
			return
		}
	}
}

// sourceStreamer feeds the output from the decoded buffer. It runs on the
// audio goroutine: reads are non-blocking and an empty buffer yields silence.
type sourceStreamer struct {
	src             *StreamSource
	fadeInRemaining int
	fadeInTotal     int
	flowing         bool
	starved         bool
}

func (b *sourceStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	s := b.src
	audioEnd := 0

fill:
	for i := range samples {
		select {
		case sample := <-s.sampleCh:
			samples[i] = sample
			audioEnd = i + 1
		default:
			break fill
		}
	}

	for i := audioEnd; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	if b.fadeInRemaining > 0 {
		for i := 0; i < audioEnd; i++ {
			pos := b.fadeInTotal - b.fadeInRemaining
			scale := float64(pos) / float64(b.fadeInTotal)
			samples[i][0] *= scale
			samples[i][1] *= scale
			b.fadeInRemaining--
			if b.fadeInRemaining <= 0 {
				break
			}
		}
	}

	switch {
	case audioEnd > 0 && !b.flowing:
		b.flowing = true
		s.markFlowing()
	case audioEnd > 0 && b.starved:
		b.starved = false
		s.emit(eventPlaying)
	case audioEnd == 0 && b.flowing && !b.starved:
		b.starved = true
		s.emit(eventWaiting)
	}

	return len(samples), true
}

func (b *sourceStreamer) Err() error {
	return nil
}
