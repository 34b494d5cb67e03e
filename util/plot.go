package util

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// History accumulates per-epoch stats for the loss curve.
type History struct {
	names  []string
	series map[string]plotter.XYs
}

func NewHistory() *History {
	return &History{series: make(map[string]plotter.XYs)}
}

func (h *History) Record(epoch int, stats Stats) {
	for _, st := range stats {
		if _, ok := h.series[st.Name]; !ok {
			h.names = append(h.names, st.Name)
		}
		h.series[st.Name] = append(h.series[st.Name], plotter.XY{X: float64(epoch), Y: st.Value})
	}
}

func (h *History) Len() int {
	if len(h.names) == 0 {
		return 0
	}
	return len(h.series[h.names[0]])
}

// PlotLosses renders every recorded series as a line chart PNG at path.
func PlotLosses(h *History, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "smoothed value"

	var lines []interface{}
	for _, name := range h.names {
		lines = append(lines, name, h.series[name])
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return fmt.Errorf("plot losses: %w", err)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save loss plot: %w", err)
	}
	return nil
}
