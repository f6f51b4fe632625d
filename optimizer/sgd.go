package optimizer

import (
	"fmt"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay
type SGDOptimizerState struct {
	base

	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Momentum buffers, allocated only if momentum > 0
	momentumBuffers [][]float32
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a momentum > 0")
	}

	sgd := &SGDOptimizerState{
		base:        b,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
	if config.Momentum > 0 {
		sgd.momentumBuffers = sgd.newStateBuffers()
	}
	return sgd, nil
}

// Step performs a single SGD optimization step:
//
//	v = momentum*v + g
//	w -= lr * (g + momentum*v)   (Nesterov)
//	w -= lr * v                  (classic)
func (sgd *SGDOptimizerState) Step() error {
	sgd.stepCount++
	lr := float32(sgd.learningRate)
	mu := float32(sgd.Momentum)

	for i, p := range sgd.params {
		g := sgd.gradient(i, sgd.WeightDecay)
		if g == nil {
			continue
		}

		if sgd.momentumBuffers == nil {
			for j := range p.Data {
				p.Data[j] -= lr * g[j]
			}
			continue
		}

		v := sgd.momentumBuffers[i]
		for j := range p.Data {
			v[j] = mu*v[j] + g[j]
			if sgd.Nesterov {
				p.Data[j] -= lr * (g[j] + mu*v[j])
			} else {
				p.Data[j] -= lr * v[j]
			}
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	stateData = extractBuffers(stateData, &sgd.base, sgd.momentumBuffers, "momentum", "momentum")

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.learningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.learningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	for _, st := range state.StateData {
		if st.StateType != "momentum" {
			continue
		}
		if sgd.momentumBuffers == nil {
			sgd.momentumBuffers = sgd.newStateBuffers()
		}
		if err := restoreBufferState(sgd.momentumBuffers, &sgd.base, st); err != nil {
			return err
		}
	}

	return nil
}
