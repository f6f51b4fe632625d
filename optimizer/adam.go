package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// AdamOptimizerState implements Adam with bias correction
type AdamOptimizerState struct {
	base

	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float64 // L2 regularization coefficient

	momentumBuffers [][]float32 // First moment for each parameter
	varianceBuffers [][]float32 // Second moment for each parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		base:        b,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
	adam.momentumBuffers = adam.newStateBuffers()
	adam.varianceBuffers = adam.newStateBuffers()
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.stepCount++

	// Bias corrections
	t := float64(adam.stepCount)
	stepSize := adam.learningRate * math.Sqrt(1-math.Pow(adam.Beta2, t)) / (1 - math.Pow(adam.Beta1, t))

	b1, b2 := float32(adam.Beta1), float32(adam.Beta2)
	for i, p := range adam.params {
		g := adam.gradient(i, adam.WeightDecay)
		if g == nil {
			continue
		}

		m, v := adam.momentumBuffers[i], adam.varianceBuffers[i]
		for j := range p.Data {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			p.Data[j] -= float32(stepSize * float64(m[j]) / (math.Sqrt(float64(v[j])) + adam.Epsilon))
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	stateData = extractBuffers(stateData, &adam.base, adam.momentumBuffers, "momentum", "momentum")
	stateData = extractBuffers(stateData, &adam.base, adam.varianceBuffers, "variance", "variance")

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.learningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.learningRate = extractFloatParam(state.Parameters, "learning_rate", adam.learningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)

	for _, st := range state.StateData {
		var err error
		switch st.StateType {
		case "momentum":
			err = restoreBufferState(adam.momentumBuffers, &adam.base, st)
		case "variance":
			err = restoreBufferState(adam.varianceBuffers, &adam.base, st)
		}
		if err != nil {
			return err
		}
	}

	return nil
}
