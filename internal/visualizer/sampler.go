// Package visualizer turns the spectrum of the playing graph into smoothed
// bar heights and a color that fades between the playing and idle tints.
package visualizer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/rs/zerolog/log"
)

const (
	HeightSmoothing = 0.3
	ColorSmoothing  = 0.1
	HeightExponent  = 1.5
)

var (
	ActiveColor = RGB{R: 34, G: 197, B: 94}
	IdleColor   = RGB{R: 59, G: 130, B: 246}
)

// FrequencySource is the read side of an analysis graph.
type FrequencySource interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []uint8) int
}

type RGB struct {
	R, G, B float64
}

func (c RGB) lerp(target RGB, t float64) RGB {
	return RGB{
		R: c.R + (target.R-c.R)*t,
		G: c.G + (target.G-c.G)*t,
		B: c.B + (target.B-c.B)*t,
	}
}

// Hex renders the color as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", channel(c.R), channel(c.G), channel(c.B))
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(255, v))))
}

// Frame is one rendered visualizer state. Heights are in [0, 1].
type Frame struct {
	Heights []float64
	Color   RGB
	Playing bool
}

// Sampler reads the graph at a fixed frame rate and hands every frame to
// render. It never mutates the engine.
type Sampler struct {
	source  func() FrequencySource
	playing func() bool
	render  func(Frame)
	fps     int

	mu      sync.Mutex
	heights []float64
	color   RGB
	data    []uint8
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSampler builds a sampler with bars bands. source may return nil, which
// renders silence.
func NewSampler(source func() FrequencySource, playing func() bool, render func(Frame), fps, bars int) *Sampler {
	if bars <= 0 {
		bars = config.DefaultVisualizerBars
	}
	return &Sampler{
		source:  source,
		playing: playing,
		render:  render,
		fps:     config.ClampFPS(fps),
		heights: make([]float64, bars),
		color:   ActiveColor,
	}
}

// Start runs the frame loop until ctx is done or Stop is called. Starting a
// running sampler restarts it.
func (s *Sampler) Start(ctx context.Context) {
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second / time.Duration(s.fps))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Tick computes and renders one frame. A panic while sampling or rendering
// drops the frame and leaves the previous state in place.
func (s *Sampler) Tick() {
	frame, ok := s.sample()
	if ok && s.render != nil {
		s.draw(frame)
	}
}

func (s *Sampler) draw(frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Msgf("Visualizer frame skipped: %v", r)
		}
	}()
	s.render(frame)
}

func (s *Sampler) sample() (frame Frame, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Msgf("Visualizer frame skipped: %v", r)
			ok = false
		}
	}()

	playing := s.playing != nil && s.playing()

	var src FrequencySource
	if s.source != nil {
		src = s.source()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bins := 0
	if src != nil {
		bins = src.FrequencyBinCount()
		if cap(s.data) < bins {
			s.data = make([]uint8, bins)
		}
		s.data = s.data[:bins]
		bins = src.ByteFrequencyData(s.data)
	}

	target := IdleColor
	if playing {
		target = ActiveColor
	}
	s.color = s.color.lerp(target, ColorSmoothing)

	bars := len(s.heights)
	for i := 0; i < bars; i++ {
		var want float64
		if playing && bins > 0 {
			want = math.Pow(bandAverage(s.data[:bins], i, bars)/255, HeightExponent)
		}
		s.heights[i] = s.heights[i]*(1-HeightSmoothing) + want*HeightSmoothing
	}

	return Frame{
		Heights: append([]float64(nil), s.heights...),
		Color:   s.color,
		Playing: playing,
	}, true
}

// bandAverage averages the contiguous bin range of band i out of bars.
func bandAverage(data []uint8, i, bars int) float64 {
	n := len(data)
	start := i * n / bars
	end := (i + 1) * n / bars
	if end <= start {
		end = start + 1
	}
	if start >= n {
		return 0
	}
	end = min(end, n)

	sum := 0
	for _, v := range data[start:end] {
		sum += int(v)
	}
	return float64(sum) / float64(end-start)
}

// Bars returns the configured number of bands.
func (s *Sampler) Bars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heights)
}
