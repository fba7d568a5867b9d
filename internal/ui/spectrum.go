package ui

import (
	"math"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/liveatc-cli/internal/visualizer"
	"github.com/rivo/tview"
)

var barGlyphs = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// frequencySource hands the sampler the live graph. A missing graph must
// come back as a nil interface, not a typed nil.
func (ui *UI) frequencySource() visualizer.FrequencySource {
	if ui.engine.Graphs == nil || ui.activeController() == nil {
		return nil
	}
	g := ui.engine.Graphs.Current()
	if g == nil {
		return nil
	}
	return g
}

func (ui *UI) onVisualizerFrame(frame visualizer.Frame) {
	idle := !frame.Playing && maxHeight(frame.Heights) < 0.001

	ui.frameMu.Lock()
	wasIdle := ui.frameIdle
	ui.frame = frame
	ui.frameIdle = idle
	ui.frameMu.Unlock()

	if idle && wasIdle {
		return
	}

	select {
	case ui.drawRequests <- struct{}{}:
	default:
	}
}

func (ui *UI) latestFrame() visualizer.Frame {
	ui.frameMu.Lock()
	defer ui.frameMu.Unlock()
	return ui.frame
}

func maxHeight(heights []float64) float64 {
	var m float64
	for _, h := range heights {
		m = math.Max(m, h)
	}
	return m
}

// barColumn splits a [0, 1] height over rows cells: the number of full
// cells and the glyph that tops them.
func barColumn(height float64, rows int) (full int, top rune) {
	if rows <= 0 {
		return 0, ' '
	}
	height = math.Max(0, math.Min(1, height))
	eighths := int(math.Round(height * float64(rows*8)))
	full = eighths / 8
	if full >= rows {
		return rows, ' '
	}
	return full, barGlyphs[eighths%8]
}

// resampleBars maps the sampler bands onto width terminal columns.
func resampleBars(heights []float64, width int) []float64 {
	if width <= 0 {
		return nil
	}
	out := make([]float64, width)
	if len(heights) == 0 {
		return out
	}
	for col := range out {
		out[col] = heights[col*len(heights)/width]
	}
	return out
}

func (ui *UI) createVisualizer() *tview.Box {
	box := tview.NewBox().SetBackgroundColor(ui.colors.background)

	box.SetDrawFunc(func(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
		frame := ui.latestFrame()

		color := ui.colors.highlight
		if len(frame.Heights) > 0 {
			color = tcell.GetColor(frame.Color.Hex())
		}
		style := tcell.StyleDefault.Foreground(color).Background(ui.colors.background)

		rows := height - 1
		baseline := y + height - 1
		for col, h := range resampleBars(frame.Heights, width) {
			full, top := barColumn(h, rows)
			for r := 0; r < full; r++ {
				screen.SetContent(x+col, baseline-1-r, '█', nil, style)
			}
			if full < rows && top != ' ' {
				screen.SetContent(x+col, baseline-1-full, top, nil, style)
			}
			screen.SetContent(x+col, baseline, '▔', nil, tcell.StyleDefault.Foreground(ui.colors.borders).Background(ui.colors.background))
		}

		return x, y, width, height
	})

	return box
}
