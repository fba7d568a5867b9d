package player

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Engine         config.Engine
	Graphs         *GraphProvider
	Client         *http.Client
	Decode         DecodeFunc
	Volume         int
	ReadyThreshold int
	Now            func() time.Time
}

// session scopes the background recovery of one play intent. Pause, reload
// and close cancel it and wait for its goroutines.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

// Controller is the public face of the engine for one stream URL. It owns at
// most one active and one standby source at any time.
//
// Public operations are serialized by opMu. mu guards the fields below it and
// is never held across a blocking source call.
type Controller struct {
	streamURL string
	opts      Options
	graphs    *GraphProvider
	telemetry *ConnectionTelemetry
	scheduler *ReconnectScheduler
	now       func() time.Time

	opMu sync.Mutex

	mu             sync.RWMutex
	graph          *AnalysisGraph
	active         *StreamSource
	standby        *StreamSource
	standbyGen     uint64
	sess           *session
	recovering     bool
	wantPlaying    bool
	isPlaying      bool
	isMuted        bool
	isBuffering    bool
	hasStartedOnce bool
	closed         bool
	volume         int
	pausedAt       time.Time
	lastError      string

	subsMu     sync.Mutex
	subs       []*Subscription
	subsClosed bool
}

func NewController(streamURL string, opts Options) *Controller {
	opts.Engine = opts.Engine.WithDefaults()
	if opts.Graphs == nil {
		opts.Graphs = NewGraphProvider(nil, GraphOptions{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Volume < 0 {
		opts.Volume = config.DefaultVolume
	}

	c := &Controller{
		streamURL: streamURL,
		opts:      opts,
		graphs:    opts.Graphs,
		telemetry: NewConnectionTelemetry(),
		now:       opts.Now,
		volume:    config.ClampVolume(opts.Volume),
	}
	c.scheduler = newReconnectScheduler(opts.Engine, c, func(SchedulerState) { c.notify() })
	return c
}

func (c *Controller) StreamURL() string { return c.streamURL }

func (c *Controller) Telemetry() *ConnectionTelemetry { return c.telemetry }

func (c *Controller) Scheduler() *ReconnectScheduler { return c.scheduler }

// Graph returns the analysis graph of the session, or nil before the first
// Play and after Close.
func (c *Controller) Graph() *AnalysisGraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph
}

// Play starts or resumes playback. Only a *SetupError is returned; transient
// failures are absorbed by a background recovery loop.
func (c *Controller) Play(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.wantPlaying {
		c.mu.Unlock()
		return nil
	}

	if active := c.active; active != nil {
		pausedFor := c.now().Sub(c.pausedAt)
		if pausedFor <= c.opts.Engine.MaxPauseDelay && active.Readiness() == ReadinessPlaying {
			c.sess = newSession()
			c.wantPlaying = true
			c.isPlaying = true
			c.pausedAt = time.Time{}
			c.mu.Unlock()

			active.Resume()
			c.scheduler.Start()
			log.Debug().Msgf("Playback resumed after %v", pausedFor.Round(time.Millisecond))
			c.notify()
			return nil
		}

		c.active = nil
		c.mu.Unlock()
		log.Debug().Msgf("Paused for %v, reconnecting to live edge", pausedFor.Round(time.Millisecond))
		active.Dispose()
		c.mu.Lock()
	}

	sess, graph, opts, err := c.beginLocked()
	c.mu.Unlock()
	c.notify()
	if err != nil {
		return err
	}

	return c.establish(ctx, sess, graph, opts)
}

// beginLocked opens a new play session and makes sure the graph exists.
func (c *Controller) beginLocked() (*session, *AnalysisGraph, SourceOptions, error) {
	sess := newSession()
	c.sess = sess
	c.wantPlaying = true
	c.setBufferingLocked(true)

	graph, err := c.ensureGraphLocked()
	if err != nil {
		setupErr := &SetupError{URL: c.streamURL, Err: err}
		c.abortLocked(sess, setupErr)
		observeSetupFailure(setupErr, RoleActive)
		return nil, nil, SourceOptions{}, setupErr
	}
	return sess, graph, c.sourceOptionsLocked(RoleActive), nil
}

func (c *Controller) abortLocked(sess *session, err error) {
	sess.cancel()
	if c.sess == sess {
		c.sess = nil
	}
	c.wantPlaying = false
	c.setBufferingLocked(false)
	if err != nil {
		c.lastError = err.Error()
	}
}

func (c *Controller) ensureGraphLocked() (*AnalysisGraph, error) {
	if c.graph != nil {
		return c.graph, nil
	}
	g, err := c.graphs.Acquire()
	if err != nil {
		return nil, err
	}
	c.graph = g
	return g, nil
}

func (c *Controller) sourceOptionsLocked(role Role) SourceOptions {
	return SourceOptions{
		Client:         c.opts.Client,
		Decode:         c.opts.Decode,
		Role:           role,
		Muted:          c.isMuted,
		Volume:         c.volume,
		ReadyThreshold: c.opts.ReadyThreshold,
		Hooks: Hooks{
			OnWaiting: c.onSourceWaiting,
			OnPlaying: c.onSourcePlaying,
			OnError:   c.onSourceError,
		},
	}
}

// establish connects an active source for sess. A transient failure hands
// over to the recovery loop.
func (c *Controller) establish(ctx context.Context, sess *session, graph *AnalysisGraph, opts SourceOptions) error {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	src, err := c.connect(connectCtx, graph, opts)
	if err != nil {
		var setupErr *SetupError
		switch {
		case errors.As(err, &setupErr):
			log.Error().Err(err).Msg("Stream setup failed")
			c.mu.Lock()
			c.abortLocked(sess, err)
			c.mu.Unlock()
			c.notify()
			return err
		case ctx.Err() != nil:
			c.mu.Lock()
			c.abortLocked(sess, nil)
			c.mu.Unlock()
			c.notify()
			return ctx.Err()
		case sess.ctx.Err() != nil:
			return nil
		}

		log.Warn().Err(err).Msg("Stream connect failed, retrying in background")
		c.mu.Lock()
		c.lastError = err.Error()
		c.startRecoveryLocked(sess, nil)
		c.mu.Unlock()
		c.notify()
		return nil
	}

	c.mu.Lock()
	if c.closed || sess.ctx.Err() != nil {
		c.mu.Unlock()
		src.Dispose()
		return nil
	}
	c.installActiveLocked(src)
	c.mu.Unlock()

	c.scheduler.Start()
	log.Info().Str("url", c.streamURL).Msg("Stream connected")
	c.notify()
	return nil
}

func (c *Controller) openAttached(graph *AnalysisGraph, opts SourceOptions) (*StreamSource, error) {
	src, err := OpenSource(bustCache(c.streamURL, c.now()), graph, opts)
	if err != nil {
		return nil, err
	}
	if err := src.AttachToGraph(graph); err != nil {
		src.Dispose()
		return nil, err
	}
	return src, nil
}

// connect runs the full active setup: open, attach, wait ready, start.
func (c *Controller) connect(ctx context.Context, graph *AnalysisGraph, opts SourceOptions) (*StreamSource, error) {
	src, err := c.openAttached(graph, opts)
	if err != nil {
		observeSetupFailure(err, opts.Role)
		return nil, err
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, c.opts.Engine.SetupTimeout)
	defer cancelSetup()
	if err := src.WaitReady(setupCtx); err != nil {
		src.Dispose()
		observeSetupFailure(err, opts.Role)
		return nil, err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, c.opts.Engine.StartTimeout)
	defer cancelStart()
	if err := src.Start(startCtx); err != nil {
		src.Dispose()
		observeSetupFailure(err, opts.Role)
		return nil, err
	}
	return src, nil
}

// installActiveLocked makes src the active source. Mute and volume are
// re-applied since they may have changed while src was connecting.
func (c *Controller) installActiveLocked(src *StreamSource) {
	src.setRole(RoleActive)
	src.SetMuted(c.isMuted)
	src.SetVolume(c.volume)
	c.active = src
	c.isPlaying = true
	c.hasStartedOnce = true
	c.recovering = false
	c.lastError = ""
	c.setBufferingLocked(false)
	c.telemetry.MarkConnected(c.now())
}

func (c *Controller) setBufferingLocked(buffering bool) {
	c.isBuffering = buffering
	if buffering {
		bufferingGauge.Set(1)
	} else {
		bufferingGauge.Set(0)
	}
}

func (c *Controller) startRecoveryLocked(sess *session, failed *StreamSource) {
	if c.recovering || sess == nil || sess.ctx.Err() != nil {
		return
	}
	c.recovering = true
	sess.wg.Add(1)
	go c.recover(sess, failed)
}

func (c *Controller) endRecovery(lastErr error) {
	c.mu.Lock()
	c.recovering = false
	if lastErr != nil {
		c.lastError = lastErr.Error()
	}
	c.mu.Unlock()
	c.notify()
}

// recover reloads the active role until a source flows, the session ends or
// a setup error makes further attempts pointless. It replaces the active
// source only while that is still failed.
func (c *Controller) recover(sess *session, failed *StreamSource) {
	defer sess.wg.Done()

	backoff := c.opts.Engine.RetryBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			c.endRecovery(nil)
			return
		case <-timer.C:
		}

		c.mu.RLock()
		graph := c.graph
		opts := c.sourceOptionsLocked(RoleActive)
		c.mu.RUnlock()

		src, err := c.connect(sess.ctx, graph, opts)
		if err != nil {
			if sess.ctx.Err() != nil {
				c.endRecovery(nil)
				return
			}
			var setupErr *SetupError
			if errors.As(err, &setupErr) {
				log.Error().Err(err).Msg("Stream recovery gave up")
				c.endRecovery(err)
				return
			}

			backoff = c.opts.Engine.RetryBackoff
			if isNonRetryableError(err) {
				backoff *= 4
			}
			log.Warn().Err(err).Int("attempt", attempt).Msgf("Stream recovery failed, retrying in %v", backoff)
			c.mu.Lock()
			c.lastError = err.Error()
			c.mu.Unlock()
			c.notify()
			continue
		}

		c.mu.Lock()
		if c.closed || sess.ctx.Err() != nil || c.active != failed {
			c.recovering = false
			c.mu.Unlock()
			src.Dispose()
			c.notify()
			return
		}
		old := c.active
		c.installActiveLocked(src)
		c.mu.Unlock()

		if old != nil {
			old.Dispose()
		}
		c.scheduler.Start()
		log.Info().Int("attempt", attempt).Msg("Stream recovered")
		c.notify()
		return
	}
}

func (c *Controller) onSourceWaiting(src *StreamSource) {
	c.mu.Lock()
	if c.closed || src != c.active || !c.isPlaying || c.isBuffering {
		c.mu.Unlock()
		return
	}
	c.setBufferingLocked(true)
	c.mu.Unlock()

	log.Debug().Msg("Active stream stalled")
	c.notify()
}

func (c *Controller) onSourcePlaying(src *StreamSource) {
	c.mu.Lock()
	if c.closed || src != c.active || !c.isBuffering {
		c.mu.Unlock()
		return
	}
	c.setBufferingLocked(false)
	c.telemetry.MarkConnected(c.now())
	c.mu.Unlock()

	log.Debug().Msg("Active stream flowing again")
	c.notify()
}

// onSourceError reloads the active role in place. Standby failures are the
// scheduler's business and are ignored here.
func (c *Controller) onSourceError(src *StreamSource, err error) {
	c.mu.Lock()
	if c.closed || src != c.active || !c.wantPlaying {
		c.mu.Unlock()
		return
	}
	log.Warn().Err(err).Msg("Active stream failed, reloading")
	c.lastError = err.Error()
	c.setBufferingLocked(true)
	c.startRecoveryLocked(c.sess, src)
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) openStandby(gen uint64) (*StreamSource, error) {
	c.mu.Lock()
	if c.closed || !c.isPlaying || c.graph == nil {
		c.mu.Unlock()
		return nil, &SwapConflictError{Generation: gen, Current: c.scheduler.Generation()}
	}
	previous := c.standby
	c.standby = nil
	graph := c.graph
	opts := c.sourceOptionsLocked(RoleStandby)
	c.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}

	src, err := c.openAttached(graph, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	current := c.scheduler.Generation()
	if c.closed || !c.isPlaying || gen != current {
		c.mu.Unlock()
		src.Dispose()
		return nil, &SwapConflictError{Generation: gen, Current: current}
	}
	c.standby = src
	c.standbyGen = gen
	c.mu.Unlock()

	c.notify()
	return src, nil
}

// commitSwap promotes next to active and disposes the old active. The new
// source is already flowing, so the old one is only released after it.
func (c *Controller) commitSwap(gen uint64, next *StreamSource) error {
	c.mu.Lock()
	if c.closed || !c.isPlaying || c.standby != next || c.standbyGen != gen {
		current := c.standbyGen
		c.mu.Unlock()
		return &SwapConflictError{Generation: gen, Current: current}
	}
	if state := next.Readiness(); state != ReadinessPlaying {
		c.standby = nil
		c.mu.Unlock()
		next.Dispose()
		c.notify()
		return &TransientStreamError{Op: "swap", Err: fmt.Errorf("standby is %v, not playing", state)}
	}
	old := c.active
	next.setRole(RoleActive)
	next.SetMuted(c.isMuted)
	next.SetVolume(c.volume)
	c.active = next
	c.standby = nil
	c.lastError = ""
	c.setBufferingLocked(false)
	c.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
	c.telemetry.RecordReconnect(c.now())
	log.Info().Int("reconnects", c.telemetry.ReconnectCount()).Msg("Swapped to fresh stream connection")
	c.notify()
	return nil
}

func (c *Controller) discardStandby(next *StreamSource) {
	c.mu.Lock()
	if c.standby == next {
		c.standby = nil
	}
	c.mu.Unlock()

	next.Dispose()
	c.notify()
}

// interrupt cancels the running session so that a pending connect returns
// before the caller queues on opMu.
func (c *Controller) interrupt() {
	c.mu.Lock()
	if c.sess != nil {
		c.sess.cancel()
	}
	c.mu.Unlock()
}

// Pause silences the active source but keeps its connection primed for a
// quick resume. Scheduler, recovery and any standby are stopped.
func (c *Controller) Pause() {
	c.interrupt()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed || !c.wantPlaying {
		c.mu.Unlock()
		return
	}
	sess := c.sess
	c.sess = nil
	if sess != nil {
		sess.cancel()
	}
	c.wantPlaying = false
	c.isPlaying = false
	c.setBufferingLocked(false)
	c.pausedAt = c.now()
	active, standby := c.active, c.standby
	c.standby = nil
	c.mu.Unlock()

	if sess != nil {
		sess.wg.Wait()
	}
	c.scheduler.Stop()
	if active != nil {
		active.Pause()
	}
	if standby != nil {
		standby.Dispose()
	}

	log.Debug().Msg("Playback paused")
	c.notify()
}

// TogglePause flips between Play and Pause.
func (c *Controller) TogglePause(ctx context.Context) error {
	c.mu.RLock()
	playing := c.wantPlaying
	c.mu.RUnlock()

	if playing {
		c.Pause()
		return nil
	}
	return c.Play(ctx)
}

// ToggleMute flips mute on the active source and mirrors it on the standby.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	c.isMuted = !c.isMuted
	muted := c.isMuted
	if c.active != nil {
		c.active.SetMuted(muted)
	}
	if c.standby != nil {
		c.standby.SetMuted(muted)
	}
	c.mu.Unlock()

	log.Debug().Bool("muted", muted).Msg("Mute toggled")
	c.notify()
	return muted
}

func (c *Controller) SetVolume(percent int) {
	percent = config.ClampVolume(percent)

	c.mu.Lock()
	c.volume = percent
	if c.active != nil {
		c.active.SetVolume(percent)
	}
	if c.standby != nil {
		c.standby.SetVolume(percent)
	}
	c.mu.Unlock()

	c.notify()
}

// ForceReload drops the current connections at once and reconnects with a
// fresh URL.
func (c *Controller) ForceReload(ctx context.Context) error {
	c.interrupt()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	old := c.sess
	c.sess = nil
	if old != nil {
		old.cancel()
	}
	active, standby := c.active, c.standby
	c.active, c.standby = nil, nil
	c.mu.Unlock()

	if old != nil {
		old.wg.Wait()
	}
	c.scheduler.Stop()
	if active != nil {
		active.Dispose()
	}
	if standby != nil {
		standby.Dispose()
	}

	log.Info().Str("url", c.streamURL).Msg("Force reloading stream")

	c.mu.Lock()
	sess, graph, opts, err := c.beginLocked()
	c.mu.Unlock()
	c.notify()
	if err != nil {
		return err
	}

	return c.establish(ctx, sess, graph, opts)
}

// Close tears the controller down. It is safe to call more than once.
func (c *Controller) Close() error {
	c.interrupt()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	if sess != nil {
		sess.cancel()
	}
	c.wantPlaying = false
	c.isPlaying = false
	c.setBufferingLocked(false)
	active, standby := c.active, c.standby
	c.active, c.standby = nil, nil
	graph := c.graph
	c.graph = nil
	c.mu.Unlock()

	if sess != nil {
		sess.wg.Wait()
	}
	c.scheduler.Stop()
	if active != nil {
		active.Dispose()
	}
	if standby != nil {
		standby.Dispose()
	}
	if graph != nil && c.graphs.Release(graph) {
		c.telemetry.Reset()
	}

	c.notify()
	c.closeSubscriptions()
	log.Debug().Str("url", c.streamURL).Msg("Playback controller closed")
	return nil
}

func (c *Controller) IsPlaying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isPlaying
}

func (c *Controller) IsMuted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isMuted
}

func (c *Controller) IsBuffering() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isBuffering
}

func (c *Controller) HasStartedOnce() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasStartedOnce
}

func (c *Controller) Volume() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.volume
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		IsPlaying:      c.isPlaying,
		IsMuted:        c.isMuted,
		IsBuffering:    c.isBuffering,
		HasStartedOnce: c.hasStartedOnce,
		Volume:         c.volume,
		LastError:      c.lastError,
	}
	active := c.active
	c.mu.RUnlock()

	snap.Scheduler = c.scheduler.State()
	snap.Telemetry = c.telemetry.Snapshot()
	if active != nil {
		snap.Title = active.Title()
		snap.BufferHealth = active.BufferHealth()
	}
	return snap
}

// Subscribe returns a subscription fed with a snapshot on every state change.
// The subscription of a closed controller is already done.
func (c *Controller) Subscribe() *Subscription {
	sub := newSubscription()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subsClosed {
		sub.close()
		return sub
	}
	c.subs = append(c.subs, sub)
	return sub
}

func (c *Controller) Unsubscribe(sub *Subscription) {
	c.subsMu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s *Subscription) bool { return s == sub })
	c.subsMu.Unlock()
	sub.close()
}

func (c *Controller) notify() {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()
	if len(subs) == 0 {
		return
	}

	snap := c.Snapshot()
	for _, sub := range subs {
		sub.send(snap)
	}
}

func (c *Controller) closeSubscriptions() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsClosed = true
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
