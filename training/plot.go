package training

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SaveHistoryPlot renders train and validation loss per epoch, as
// percentages, into a PNG at path.
func SaveHistoryPlot(h *History, path string) error {
	epochs := h.Snapshot()
	if len(epochs) == 0 {
		return fmt.Errorf("history is empty")
	}

	train := make(plotter.XYs, len(epochs))
	val := make(plotter.XYs, len(epochs))
	for i, e := range epochs {
		x := float64(e.Epoch + 1)
		train[i].X, train[i].Y = x, e.LossTrain*100
		val[i].X, val[i].Y = x, e.LossVal*100
	}

	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss, %"
	p.Add(plotter.NewGrid())

	if err := plotutil.AddLinePoints(p, "Train", train, "Validation", val); err != nil {
		return fmt.Errorf("failed to add history lines: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save history plot: %w", err)
	}
	return nil
}
