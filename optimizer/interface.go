package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// Optimizer defines the common interface for all optimizers. It satisfies
// training.Optimizer and adds state save/restore for checkpoints.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient
	Step() error

	// ZeroGrad clears the gradients of all parameters
	ZeroGrad()

	GetLR() float64
	SetLR(lr float64)

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterizes an optimizer. Zero fields take the
// defaults of the chosen optimizer.
type Config struct {
	Name         string  `yaml:"name" json:"name"` // sgd, adam, rmsprop, adagrad
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay"`
	Nesterov     bool    `yaml:"nesterov" json:"nesterov"`
	Beta1        float64 `yaml:"beta1" json:"beta1"`
	Beta2        float64 `yaml:"beta2" json:"beta2"`
	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	Alpha        float64 `yaml:"alpha" json:"alpha"`
}

// New creates the optimizer named by cfg over params
func New(cfg Config, params []*tensor.Tensor) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		c := DefaultAdamConfig()
		setIfPositive(&c.LearningRate, cfg.LearningRate)
		setIfPositive(&c.Beta1, cfg.Beta1)
		setIfPositive(&c.Beta2, cfg.Beta2)
		setIfPositive(&c.Epsilon, cfg.Epsilon)
		c.WeightDecay = cfg.WeightDecay
		return NewAdamOptimizer(c, params)
	case "sgd":
		c := DefaultSGDConfig()
		setIfPositive(&c.LearningRate, cfg.LearningRate)
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		c.Nesterov = cfg.Nesterov
		return NewSGDOptimizer(c, params)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		setIfPositive(&c.LearningRate, cfg.LearningRate)
		setIfPositive(&c.Alpha, cfg.Alpha)
		setIfPositive(&c.Epsilon, cfg.Epsilon)
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		return NewRMSPropOptimizer(c, params)
	case "adagrad":
		c := DefaultAdaGradConfig()
		setIfPositive(&c.LearningRate, cfg.LearningRate)
		setIfPositive(&c.Epsilon, cfg.Epsilon)
		c.WeightDecay = cfg.WeightDecay
		return NewAdaGradOptimizer(c, params)
	default:
		return nil, fmt.Errorf("unknown optimizer: %s", cfg.Name)
	}
}

func setIfPositive(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// base holds what every optimizer shares: the parameters, the learning rate
// and the step counter
type base struct {
	params       []*tensor.Tensor
	learningRate float64
	stepCount    uint64
}

func newBase(params []*tensor.Tensor, lr float64) (base, error) {
	if len(params) == 0 {
		return base{}, fmt.Errorf("no parameters provided")
	}
	if lr < 0 {
		return base{}, fmt.Errorf("learning rate cannot be negative: %f", lr)
	}
	return base{params: params, learningRate: lr}, nil
}

func (b *base) ZeroGrad() {
	tensor.ZeroGrad(b.params)
}

func (b *base) GetLR() float64 {
	return b.learningRate
}

func (b *base) SetLR(lr float64) {
	b.learningRate = lr
}

// GetStepCount returns the current step count
func (b *base) GetStepCount() uint64 {
	return b.stepCount
}

// newStateBuffers allocates one zeroed buffer per parameter
func (b *base) newStateBuffers() [][]float32 {
	buffers := make([][]float32, len(b.params))
	for i, p := range b.params {
		buffers[i] = make([]float32, p.NumElems)
	}
	return buffers
}

// gradient returns the gradient of parameter i with weight decay applied, or
// nil when the parameter has no gradient
func (b *base) gradient(i int, weightDecay float64) []float32 {
	p := b.params[i]
	g := p.Grad()
	if g == nil {
		return nil
	}
	if weightDecay == 0 {
		return g.Data
	}
	out := make([]float32, len(g.Data))
	wd := float32(weightDecay)
	for j, v := range g.Data {
		out[j] = v + wd*p.Data[j]
	}
	return out
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
