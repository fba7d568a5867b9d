package player

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	MinDecibels      = -100.0
	MaxDecibels      = -30.0
)

// GraphOptions configures the analysis node of a graph.
type GraphOptions struct {
	SampleRate beep.SampleRate
	FFTSize    int
	Smoothing  float64
}

func (o GraphOptions) withDefaults() GraphOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.FFTSize <= 0 || o.FFTSize&(o.FFTSize-1) != 0 {
		o.FFTSize = DefaultFFTSize
	}
	if o.Smoothing < 0 || o.Smoothing >= 1 {
		o.Smoothing = DefaultSmoothing
	}
	return o
}

// AnalysisGraph mixes every attached source tap into one output and keeps a
// mono capture of what was played for spectral analysis. The output goroutine
// is the only writer of the capture; ByteFrequencyData is the only reader.
type AnalysisGraph struct {
	output     Output
	sampleRate beep.SampleRate
	mixer      beep.Mixer

	mu        sync.Mutex
	ring      []float64
	pos       int
	fft       *fourier.FFT
	window    []float64
	windowed  []float64
	coeffs    []complex128
	smoothed  []float64
	smoothing float64
	refs      int
	closed    bool
}

// NewAnalysisGraph initializes out at the configured sample rate and starts
// playing the graph into it.
func NewAnalysisGraph(out Output, opts GraphOptions) (*AnalysisGraph, error) {
	if out == nil {
		return nil, ErrGraphUnavailable
	}
	opts = opts.withDefaults()

	if err := out.Init(opts.SampleRate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
	}

	n := opts.FFTSize
	window := make([]float64, n)
	for i := range window {
		// Blackman window
		x := 2 * math.Pi * float64(i) / float64(n)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	g := &AnalysisGraph{
		output:     out,
		sampleRate: opts.SampleRate,
		ring:       make([]float64, n),
		fft:        fourier.NewFFT(n),
		window:     window,
		windowed:   make([]float64, n),
		coeffs:     make([]complex128, n/2+1),
		smoothed:   make([]float64, n/2),
		smoothing:  opts.Smoothing,
	}

	out.Play(g)
	log.Debug().Int("fftSize", n).Int("sampleRate", int(opts.SampleRate)).Msg("Analysis graph created")
	return g, nil
}

// Stream implements beep.Streamer. It never reports exhaustion so the output
// keeps pulling while sources come and go.
func (g *AnalysisGraph) Stream(samples [][2]float64) (int, bool) {
	n, _ := g.mixer.Stream(samples)
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, false
	}
	size := len(g.ring)
	for i := range samples {
		g.ring[g.pos] = (samples[i][0] + samples[i][1]) / 2
		g.pos = (g.pos + 1) % size
	}
	g.mu.Unlock()

	return len(samples), true
}

func (g *AnalysisGraph) Err() error { return nil }

func (g *AnalysisGraph) SampleRate() beep.SampleRate { return g.sampleRate }

// FrequencyBinCount is half the FFT size.
func (g *AnalysisGraph) FrequencyBinCount() int { return len(g.smoothed) }

// ByteFrequencyData writes the current smoothed spectrum into dst as bytes
// scaled over [MinDecibels, MaxDecibels] and returns the number of bins written.
func (g *AnalysisGraph) ByteFrequencyData(dst []uint8) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.ring)
	for i := 0; i < n; i++ {
		g.windowed[i] = g.ring[(g.pos+i)%n] * g.window[i]
	}
	g.coeffs = g.fft.Coefficients(g.coeffs, g.windowed)

	bins := len(g.smoothed)
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(g.coeffs[k]) / float64(n)
		g.smoothed[k] = g.smoothing*g.smoothed[k] + (1-g.smoothing)*mag
	}

	count := min(len(dst), bins)
	for k := 0; k < count; k++ {
		dst[k] = magnitudeToByte(g.smoothed[k])
	}
	return count
}

func magnitudeToByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	db := 20 * math.Log10(v)
	scaled := 255 * (db - MinDecibels) / (MaxDecibels - MinDecibels)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return uint8(scaled)
	}
}

// Sources returns the number of attached source taps.
func (g *AnalysisGraph) Sources() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs
}

func (g *AnalysisGraph) withOutputLock(fn func()) {
	g.output.Lock()
	defer g.output.Unlock()
	fn()
}

func (g *AnalysisGraph) connect(t *graphTap) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGraphUnavailable
	}
	g.refs++
	g.mu.Unlock()

	g.withOutputLock(func() {
		g.mixer.Add(t)
	})
	return nil
}

// disconnect marks the tap detached. The mixer drops it on its next pull.
func (g *AnalysisGraph) disconnect(t *graphTap) {
	if !t.detached.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	g.refs--
	g.mu.Unlock()
}

// close tears the graph down unless a source still references it.
func (g *AnalysisGraph) close() bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return true
	}
	if g.refs > 0 {
		g.mu.Unlock()
		return false
	}
	g.closed = true
	g.mu.Unlock()

	g.output.Close()
	log.Debug().Msg("Analysis graph released")
	return true
}

// graphTap is the node a source occupies in the graph mixer.
type graphTap struct {
	s        beep.Streamer
	detached atomic.Bool
}

func (t *graphTap) Stream(samples [][2]float64) (int, bool) {
	if t.detached.Load() {
		return 0, false
	}
	return t.s.Stream(samples)
}

func (t *graphTap) Err() error { return nil }

// GraphProvider owns the lazily created graph shared by playback sessions.
type GraphProvider struct {
	newOutput OutputFactory
	opts      GraphOptions

	mu       sync.Mutex
	graph    *AnalysisGraph
	sessions int
}

func NewGraphProvider(newOutput OutputFactory, opts GraphOptions) *GraphProvider {
	if newOutput == nil {
		newOutput = NewSpeakerOutput
	}
	return &GraphProvider{
		newOutput: newOutput,
		opts:      opts.withDefaults(),
	}
}

// Acquire returns the session graph, creating it on first use.
func (p *GraphProvider) Acquire() (*AnalysisGraph, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.graph == nil {
		g, err := NewAnalysisGraph(p.newOutput(), p.opts)
		if err != nil {
			return nil, err
		}
		p.graph = g
	}
	p.sessions++
	return p.graph, nil
}

// Release drops one session reference and tears the graph down when it was
// the last one and no source is attached. It reports whether the graph is gone.
func (p *GraphProvider) Release(g *AnalysisGraph) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g == nil || g != p.graph {
		return true
	}
	if p.sessions > 0 {
		p.sessions--
	}
	if p.sessions > 0 {
		return false
	}
	if !g.close() {
		return false
	}
	p.graph = nil
	return true
}

// Current returns the live graph or nil.
func (p *GraphProvider) Current() *AnalysisGraph {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graph
}
