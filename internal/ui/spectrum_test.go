package ui

import (
	"math"
	"testing"

	"github.com/glebovdev/liveatc-cli/internal/config"
	"github.com/glebovdev/liveatc-cli/internal/player"
	"github.com/glebovdev/liveatc-cli/internal/visualizer"
)

func TestBarColumn(t *testing.T) {
	tests := []struct {
		name   string
		height float64
		rows   int
		full   int
		top    rune
	}{
		{"silent", 0, 4, 0, ' '},
		{"full", 1, 4, 4, ' '},
		{"over range", 1.7, 4, 4, ' '},
		{"negative", -0.2, 4, 0, ' '},
		{"half", 0.5, 4, 2, ' '},
		{"partial cell", 0.3, 4, 1, '▂'},
		{"no rows", 0.8, 0, 0, ' '},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, top := barColumn(tt.height, tt.rows)
			if full != tt.full || top != tt.top {
				t.Errorf("barColumn(%v, %d) = (%d, %q), want (%d, %q)", tt.height, tt.rows, full, top, tt.full, tt.top)
			}
		})
	}
}

func TestResampleBars(t *testing.T) {
	got := resampleBars([]float64{0.1, 0.2}, 4)
	want := []float64{0.1, 0.1, 0.2, 0.2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resampleBars() = %v, want %v", got, want)
		}
	}

	if got := resampleBars(nil, 3); len(got) != 3 {
		t.Errorf("resampleBars(nil, 3) has %d columns, want 3", len(got))
	}
	if got := resampleBars([]float64{1}, 0); got != nil {
		t.Errorf("resampleBars(width 0) = %v, want nil", got)
	}
}

func TestMaxHeight(t *testing.T) {
	if got := maxHeight([]float64{0.2, 0.9, 0.4}); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("maxHeight() = %v, want 0.9", got)
	}
	if got := maxHeight(nil); got != 0 {
		t.Errorf("maxHeight(nil) = %v, want 0", got)
	}
}

func TestFrequencySourceWithoutController(t *testing.T) {
	ui := NewUI(config.DefaultConfig(), nil, Engine{Graphs: player.NewGraphProvider(nil, player.GraphOptions{})}, "")

	if src := ui.frequencySource(); src != nil {
		t.Errorf("frequencySource() = %v, want a nil interface with no controller", src)
	}
}

func TestVisualizerFrameRequestsDraw(t *testing.T) {
	ui := NewUI(config.DefaultConfig(), nil, Engine{}, "")

	ui.onVisualizerFrame(visualizer.Frame{Heights: []float64{0.5}, Playing: true})
	select {
	case <-ui.drawRequests:
	default:
		t.Fatal("a playing frame should request a redraw")
	}

	idle := visualizer.Frame{Heights: []float64{0}}
	ui.onVisualizerFrame(idle)
	<-ui.drawRequests
	ui.onVisualizerFrame(idle)
	select {
	case <-ui.drawRequests:
		t.Error("a settled idle frame should not request another redraw")
	default:
	}

	if got := ui.latestFrame(); len(got.Heights) != 1 {
		t.Errorf("latestFrame() heights = %v, want the last frame", got.Heights)
	}

	// A second frame while a request is pending must not block.
	ui.onVisualizerFrame(visualizer.Frame{Heights: []float64{0.9}, Playing: true})
	ui.onVisualizerFrame(visualizer.Frame{Heights: []float64{0.8}, Playing: true})
}
