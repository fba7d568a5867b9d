package visualizer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type constSource struct {
	bins  int
	value uint8
}

func (c constSource) FrequencyBinCount() int { return c.bins }

func (c constSource) ByteFrequencyData(dst []uint8) int {
	n := min(len(dst), c.bins)
	for i := 0; i < n; i++ {
		dst[i] = c.value
	}
	return n
}

type panicSource struct{}

func (panicSource) FrequencyBinCount() int { panic("graph gone") }

func (panicSource) ByteFrequencyData([]uint8) int { return 0 }

func collect() (func(Frame), func() []Frame) {
	var mu sync.Mutex
	var frames []Frame
	return func(f Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		}, func() []Frame {
			mu.Lock()
			defer mu.Unlock()
			return append([]Frame(nil), frames...)
		}
}

func TestSamplerHeightsWhenPlaying(t *testing.T) {
	render, frames := collect()
	s := NewSampler(
		func() FrequencySource { return constSource{bins: 128, value: 255} },
		func() bool { return true },
		render, 30, 64,
	)

	s.Tick()
	got := frames()
	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	if len(got[0].Heights) != 64 {
		t.Fatalf("bars = %d, want 64", len(got[0].Heights))
	}
	if h := got[0].Heights[0]; math.Abs(h-HeightSmoothing) > 1e-9 {
		t.Errorf("first frame height = %v, want %v", h, HeightSmoothing)
	}

	for i := 0; i < 60; i++ {
		s.Tick()
	}
	last := frames()[len(frames())-1]
	if h := last.Heights[10]; h < 0.99 {
		t.Errorf("height after settling = %v, want ~1", h)
	}
	if last.Color.Hex() != "#22c55e" {
		t.Errorf("color = %s, want active green", last.Color.Hex())
	}
}

func TestSamplerHeightCurve(t *testing.T) {
	render, frames := collect()
	s := NewSampler(
		func() FrequencySource { return constSource{bins: 128, value: 128} },
		func() bool { return true },
		render, 30, 8,
	)
	for i := 0; i < 80; i++ {
		s.Tick()
	}

	want := math.Pow(128.0/255, HeightExponent)
	got := frames()[len(frames())-1].Heights[3]
	if math.Abs(got-want) > 1e-3 {
		t.Errorf("settled height = %v, want %v", got, want)
	}
}

func TestSamplerIdleDecays(t *testing.T) {
	var playing atomic.Bool
	playing.Store(true)
	render, frames := collect()
	s := NewSampler(
		func() FrequencySource { return constSource{bins: 128, value: 200} },
		playing.Load,
		render, 30, 16,
	)

	for i := 0; i < 20; i++ {
		s.Tick()
	}
	playing.Store(false)
	for i := 0; i < 80; i++ {
		s.Tick()
	}

	last := frames()[len(frames())-1]
	if last.Playing {
		t.Error("frame still marked playing")
	}
	for i, h := range last.Heights {
		if h > 1e-6 {
			t.Fatalf("bar %d = %v while idle, want ~0", i, h)
		}
	}
	if last.Color.Hex() != "#3b82f6" {
		t.Errorf("idle color = %s, want #3b82f6", last.Color.Hex())
	}
}

func TestSamplerNilSource(t *testing.T) {
	render, frames := collect()
	s := NewSampler(func() FrequencySource { return nil }, func() bool { return true }, render, 30, 64)

	s.Tick()
	for _, h := range frames()[0].Heights {
		if h != 0 {
			t.Fatalf("height = %v with no graph, want 0", h)
		}
	}
}

func TestSamplerRecoversPanic(t *testing.T) {
	render, frames := collect()
	s := NewSampler(func() FrequencySource { return panicSource{} }, func() bool { return true }, render, 30, 64)

	s.Tick()
	if n := len(frames()); n != 0 {
		t.Errorf("frames = %d, want the panicking frame skipped", n)
	}
}

func TestSamplerRecoversRenderPanic(t *testing.T) {
	var calls atomic.Int32
	render := func(Frame) {
		if calls.Add(1) == 1 {
			panic("screen gone")
		}
	}
	s := NewSampler(func() FrequencySource { return constSource{bins: 64, value: 128} }, func() bool { return true }, render, 30, 64)

	s.Tick()
	s.Tick()
	if n := calls.Load(); n != 2 {
		t.Errorf("render calls = %d, want 2", n)
	}
}

func TestSamplerStartSurvivesRenderPanic(t *testing.T) {
	var calls atomic.Int32
	render := func(Frame) {
		calls.Add(1)
		panic("screen gone")
	}
	s := NewSampler(func() FrequencySource { return nil }, func() bool { return false }, render, 100, 16)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := calls.Load(); n < 3 {
		t.Errorf("render calls = %d, want ticks to continue after a panic", n)
	}
}

func TestSamplerFewerBinsThanBars(t *testing.T) {
	render, frames := collect()
	s := NewSampler(
		func() FrequencySource { return constSource{bins: 4, value: 255} },
		func() bool { return true },
		render, 30, 64,
	)

	s.Tick()
	for i, h := range frames()[0].Heights {
		if h <= 0 {
			t.Fatalf("bar %d = %v, every bar should map to a bin", i, h)
		}
	}
}

func TestBandAverage(t *testing.T) {
	data := []uint8{0, 10, 20, 30, 40, 50, 60, 70}
	tests := []struct {
		band, bars int
		want       float64
	}{
		{0, 4, 5},
		{3, 4, 65},
		{0, 1, 35},
		{7, 8, 70},
	}

	for _, tt := range tests {
		if got := bandAverage(data, tt.band, tt.bars); got != tt.want {
			t.Errorf("bandAverage(band %d of %d) = %v, want %v", tt.band, tt.bars, got, tt.want)
		}
	}
}

func TestSamplerStartStop(t *testing.T) {
	var ticks atomic.Int32
	s := NewSampler(nil, nil, func(Frame) { ticks.Add(1) }, 60, 8)

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	if ticks.Load() < 3 {
		t.Fatalf("ticks = %d, want at least 3", ticks.Load())
	}

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("sampler kept rendering after Stop")
	}

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestRGBHex(t *testing.T) {
	tests := []struct {
		c    RGB
		want string
	}{
		{ActiveColor, "#22c55e"},
		{IdleColor, "#3b82f6"},
		{RGB{R: -4, G: 300, B: 127.6}, "#00ff80"},
	}
	for _, tt := range tests {
		if got := tt.c.Hex(); got != tt.want {
			t.Errorf("Hex(%v) = %s, want %s", tt.c, got, tt.want)
		}
	}
}
