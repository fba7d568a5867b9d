package player

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/gopxl/beep/v2"
)

// fakeOutput pulls the graph on its own goroutine like the speaker does,
// unless manual is set.
type fakeOutput struct {
	mu       sync.Mutex
	streamer beep.Streamer
	manual   bool
	initErr  error
	rate     beep.SampleRate
	stop     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

func newFakeOutput(manual bool) *fakeOutput {
	return &fakeOutput{manual: manual, stop: make(chan struct{})}
}

func (o *fakeOutput) Init(sampleRate beep.SampleRate) error {
	if o.initErr != nil {
		return o.initErr
	}
	o.rate = sampleRate
	return nil
}

func (o *fakeOutput) Play(s beep.Streamer) {
	o.streamer = s
	if !o.manual {
		go o.pump()
	}
}

func (o *fakeOutput) pump() {
	buf := make([][2]float64, 512)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
		}
		o.mu.Lock()
		_, ok := o.streamer.Stream(buf)
		o.mu.Unlock()
		if !ok {
			return
		}
	}
}

func (o *fakeOutput) Lock() { o.mu.Lock() }

func (o *fakeOutput) Unlock() { o.mu.Unlock() }

func (o *fakeOutput) Close() {
	o.closed.Store(true)
	o.stopOnce.Do(func() { close(o.stop) })
}

// byteStreamer turns every byte of the body into one stereo frame.
type byteStreamer struct {
	r   io.ReadCloser
	buf []byte
	err error
}

func (b *byteStreamer) Stream(samples [][2]float64) (int, bool) {
	if cap(b.buf) < len(samples) {
		b.buf = make([]byte, len(samples))
	}
	n, err := io.ReadAtLeast(b.r, b.buf[:len(samples)], 1)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			b.err = err
		}
		return 0, false
	}
	for i := 0; i < n; i++ {
		v := (float64(b.buf[i]) - 128) / 128
		samples[i] = [2]float64{v, v}
	}
	return n, true
}

func (b *byteStreamer) Err() error { return b.err }

func (b *byteStreamer) Len() int { return 0 }

func (b *byteStreamer) Position() int { return 0 }

func (b *byteStreamer) Seek(int) error { return nil }

func (b *byteStreamer) Close() error { return b.r.Close() }

func decodeBytes(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return &byteStreamer{r: rc}, beep.Format{SampleRate: DefaultSampleRate, NumChannels: 2, Precision: 2}, nil
}

type serveMode int

const (
	serveStream serveMode = iota
	serveFinite
	serveHang
	serveNotFound
)

type streamServer struct {
	*httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	queries []string
}

// newStreamServer answers the n-th request (1-based) the way mode(n) says.
func newStreamServer(t *testing.T, mode func(n int32) serveMode) *streamServer {
	t.Helper()
	s := &streamServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Query().Get("t"))
		s.mu.Unlock()

		switch mode(n) {
		case serveHang:
			<-r.Context().Done()
			return
		case serveNotFound:
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		flusher, _ := w.(http.Flusher)
		chunk := bytes.Repeat([]byte{200, 56}, 2048)
		for i := 0; mode(n) != serveFinite || i < 20; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(func() {
		s.CloseClientConnections()
		s.Close()
	})
	return s
}

func (s *streamServer) cacheBusters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func alwaysStream(int32) serveMode { return serveStream }

func firstThen(first, rest serveMode) func(int32) serveMode {
	return func(n int32) serveMode {
		if n == 1 {
			return first
		}
		return rest
	}
}

// fakeClock advances by a millisecond on every read so cache busters differ.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEngine() config.Engine {
	return config.Engine{
		ReconnectInterval: time.Hour,
		SetupTimeout:      2 * time.Second,
		StartTimeout:      2 * time.Second,
		RetryBackoff:      20 * time.Millisecond,
		SwapDelay:         5 * time.Millisecond,
		MaxPauseDelay:     5 * time.Second,
	}
}

type testRig struct {
	ctrl     *Controller
	provider *GraphProvider
	clock    *fakeClock

	mu      sync.Mutex
	outputs []*fakeOutput
}

func newTestRig(t *testing.T, streamURL string, engine config.Engine) *testRig {
	t.Helper()
	rig := &testRig{clock: newFakeClock()}
	rig.provider = NewGraphProvider(func() Output {
		out := newFakeOutput(false)
		rig.mu.Lock()
		rig.outputs = append(rig.outputs, out)
		rig.mu.Unlock()
		return out
	}, GraphOptions{})
	rig.ctrl = NewController(streamURL, Options{
		Engine:         engine,
		Graphs:         rig.provider,
		Decode:         decodeBytes,
		Volume:         -1,
		ReadyThreshold: 256,
		Now:            rig.clock.Now,
	})
	t.Cleanup(func() { rig.ctrl.Close() })
	return rig
}

func (r *testRig) active() *StreamSource {
	r.ctrl.mu.RLock()
	defer r.ctrl.mu.RUnlock()
	return r.ctrl.active
}

func (r *testRig) standby() *StreamSource {
	r.ctrl.mu.RLock()
	defer r.ctrl.mu.RUnlock()
	return r.ctrl.standby
}

func sourceMuted(s *StreamSource) bool {
	var muted bool
	s.graph.withOutputLock(func() {
		muted = s.muted && s.volume.Silent
	})
	return muted
}

func isDone(s *StreamSource) bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
