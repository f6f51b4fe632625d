package training

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// ParamGroupOptimizer is implemented by optimizers holding several parameter
// groups with their own learning rates.
type ParamGroupOptimizer interface {
	Optimizer
	LearningRates() []float64
}

// learningRates returns the per-group learning rates of opt.
func learningRates(opt Optimizer) []float64 {
	if pg, ok := opt.(ParamGroupOptimizer); ok {
		return append([]float64(nil), pg.LearningRates()...)
	}
	return []float64{opt.GetLR()}
}

func minFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
