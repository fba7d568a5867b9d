package player

import (
	"errors"
	"math"
	"testing"

	"github.com/gopxl/beep/v2"
)

// sineStreamer plays a constant sine at freq Hz.
type sineStreamer struct {
	freq, rate float64
	pos        int
}

func (s *sineStreamer) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		v := 0.5 * math.Sin(2*math.Pi*s.freq*float64(s.pos)/s.rate)
		samples[i] = [2]float64{v, v}
		s.pos++
	}
	return len(samples), true
}

func (s *sineStreamer) Err() error { return nil }

func TestGraphOptionsDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   GraphOptions
		want GraphOptions
	}{
		{"zero", GraphOptions{}, GraphOptions{SampleRate: DefaultSampleRate, FFTSize: DefaultFFTSize, Smoothing: DefaultSmoothing}},
		{"non power of two", GraphOptions{FFTSize: 300, Smoothing: 0.5}, GraphOptions{SampleRate: DefaultSampleRate, FFTSize: DefaultFFTSize, Smoothing: 0.5}},
		{"smoothing out of range", GraphOptions{FFTSize: 512, Smoothing: 1}, GraphOptions{SampleRate: DefaultSampleRate, FFTSize: 512, Smoothing: DefaultSmoothing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGraphSilence(t *testing.T) {
	g := newTestGraph(t, true)

	if got := g.FrequencyBinCount(); got != DefaultFFTSize/2 {
		t.Fatalf("FrequencyBinCount() = %d, want %d", got, DefaultFFTSize/2)
	}

	buf := make([][2]float64, 512)
	n, ok := g.Stream(buf)
	if n != len(buf) || !ok {
		t.Fatalf("Stream() on empty graph = (%d, %v), want (%d, true)", n, ok, len(buf))
	}

	dst := make([]uint8, g.FrequencyBinCount())
	if got := g.ByteFrequencyData(dst); got != len(dst) {
		t.Errorf("ByteFrequencyData() = %d, want %d", got, len(dst))
	}
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("bin %d = %d on silence, want 0", i, v)
		}
	}
}

func TestGraphSpectrumPeak(t *testing.T) {
	g := newTestGraph(t, true)

	const bin = 16
	freq := float64(bin) * float64(DefaultSampleRate) / DefaultFFTSize
	if err := g.connect(&graphTap{s: &sineStreamer{freq: freq, rate: float64(DefaultSampleRate)}}); err != nil {
		t.Fatalf("connect() error = %v", err)
	}

	buf := make([][2]float64, DefaultFFTSize)
	dst := make([]uint8, g.FrequencyBinCount())
	for i := 0; i < 4; i++ {
		g.Stream(buf)
		g.ByteFrequencyData(dst)
	}

	peak := 0
	for i, v := range dst {
		if v > dst[peak] {
			peak = i
		}
	}
	if peak != bin {
		t.Errorf("spectrum peak at bin %d, want %d", peak, bin)
	}
	if dst[bin] == 0 || dst[100] >= dst[bin] {
		t.Errorf("bin %d = %d, bin 100 = %d; want a clear peak", bin, dst[bin], dst[100])
	}

	short := make([]uint8, 8)
	if got := g.ByteFrequencyData(short); got != len(short) {
		t.Errorf("ByteFrequencyData(short) = %d, want %d", got, len(short))
	}
}

func TestMagnitudeToByte(t *testing.T) {
	tests := []struct {
		name string
		mag  float64
		want uint8
	}{
		{"zero", 0, 0},
		{"below floor", math.Pow(10, -120.0/20), 0},
		{"near ceiling", math.Pow(10, -29.0/20), 255},
		{"above ceiling", 1, 255},
		{"midpoint", math.Pow(10, -65.0/20), 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := magnitudeToByte(tt.mag); got != tt.want {
				t.Errorf("magnitudeToByte(%v) = %d, want %d", tt.mag, got, tt.want)
			}
		})
	}
}

func TestGraphTapDetach(t *testing.T) {
	g := newTestGraph(t, true)
	tap := &graphTap{s: &sineStreamer{freq: 440, rate: 44100}}
	if err := g.connect(tap); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if g.Sources() != 1 {
		t.Fatalf("Sources() = %d, want 1", g.Sources())
	}

	g.disconnect(tap)
	g.disconnect(tap)
	if g.Sources() != 0 {
		t.Errorf("Sources() after double disconnect = %d, want 0", g.Sources())
	}
	if n, ok := tap.Stream(make([][2]float64, 4)); n != 0 || ok {
		t.Errorf("detached tap Stream() = (%d, %v), want (0, false)", n, ok)
	}

	g.Stream(make([][2]float64, 16))
	if g.mixer.Len() != 0 {
		t.Errorf("mixer still holds %d streamers after detach", g.mixer.Len())
	}
}

func TestNewAnalysisGraphErrors(t *testing.T) {
	if _, err := NewAnalysisGraph(nil, GraphOptions{}); !errors.Is(err, ErrGraphUnavailable) {
		t.Errorf("NewAnalysisGraph(nil) error = %v, want ErrGraphUnavailable", err)
	}

	out := newFakeOutput(true)
	out.initErr = errors.New("device busy")
	if _, err := NewAnalysisGraph(out, GraphOptions{}); !errors.Is(err, ErrGraphUnavailable) {
		t.Errorf("NewAnalysisGraph(failing output) error = %v, want ErrGraphUnavailable", err)
	}
}

func TestGraphProviderLifecycle(t *testing.T) {
	var outputs []*fakeOutput
	p := NewGraphProvider(func() Output {
		out := newFakeOutput(true)
		outputs = append(outputs, out)
		return out
	}, GraphOptions{SampleRate: beep.SampleRate(48000)})

	if p.Current() != nil {
		t.Fatal("Current() before Acquire should be nil")
	}

	g1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	g2, err := p.Acquire()
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if g1 != g2 {
		t.Error("Acquire() should share one graph per session")
	}
	if len(outputs) != 1 {
		t.Errorf("outputs created = %d, want 1", len(outputs))
	}
	if g1.SampleRate() != 48000 {
		t.Errorf("SampleRate() = %d, want 48000", g1.SampleRate())
	}

	if p.Release(g1) {
		t.Error("Release() with another session holding the graph should keep it")
	}

	tap := &graphTap{s: &sineStreamer{freq: 440, rate: 48000}}
	if err := g1.connect(tap); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if p.Release(g1) {
		t.Error("Release() with an attached source should keep the graph")
	}
	if p.Current() != g1 {
		t.Error("graph torn down while a source still references it")
	}

	g1.disconnect(tap)
	if !p.Release(g1) {
		t.Error("Release() of an unreferenced graph should tear it down")
	}
	if p.Current() != nil {
		t.Error("Current() after teardown should be nil")
	}
	if !outputs[0].closed.Load() {
		t.Error("output not closed on teardown")
	}
	if err := g1.connect(tap); !errors.Is(err, ErrGraphUnavailable) {
		t.Errorf("connect() on closed graph error = %v, want ErrGraphUnavailable", err)
	}

	g3, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after teardown error = %v", err)
	}
	if g3 == g1 {
		t.Error("Acquire() after teardown should build a fresh graph")
	}
}
