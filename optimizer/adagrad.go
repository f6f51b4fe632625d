package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// AdaGradOptimizerState implements AdaGrad
type AdaGradOptimizerState struct {
	base

	Epsilon     float64 // Small constant for numerical stability
	WeightDecay float64 // L2 regularization strength

	squaredGradSumBuffers [][]float32 // Accumulated squared gradients
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer over params
func NewAdaGradOptimizer(config AdaGradConfig, params []*tensor.Tensor) (*AdaGradOptimizerState, error) {
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adagrad := &AdaGradOptimizerState{
		base:        b,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
	adagrad.squaredGradSumBuffers = adagrad.newStateBuffers()
	return adagrad, nil
}

// Step performs a single AdaGrad optimization step
func (adagrad *AdaGradOptimizerState) Step() error {
	adagrad.stepCount++

	for i, p := range adagrad.params {
		g := adagrad.gradient(i, adagrad.WeightDecay)
		if g == nil {
			continue
		}

		sum := adagrad.squaredGradSumBuffers[i]
		for j := range p.Data {
			sum[j] += g[j] * g[j]
			p.Data[j] -= float32(adagrad.learningRate * float64(g[j]) / (math.Sqrt(float64(sum[j])) + adagrad.Epsilon))
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adagrad *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(adagrad.params))
	stateData = extractBuffers(stateData, &adagrad.base, adagrad.squaredGradSumBuffers, "squared_grad_sum", "squared_grad_sum")

	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": adagrad.learningRate,
			"epsilon":       adagrad.Epsilon,
			"weight_decay":  adagrad.WeightDecay,
			"step_count":    adagrad.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adagrad *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}

	adagrad.learningRate = extractFloatParam(state.Parameters, "learning_rate", adagrad.learningRate)
	adagrad.Epsilon = extractFloatParam(state.Parameters, "epsilon", adagrad.Epsilon)
	adagrad.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adagrad.WeightDecay)
	adagrad.stepCount = extractUint64Param(state.Parameters, "step_count", adagrad.stepCount)

	for _, st := range state.StateData {
		if st.StateType != "squared_grad_sum" {
			continue
		}
		if err := restoreBufferState(adagrad.squaredGradSumBuffers, &adagrad.base, st); err != nil {
			return err
		}
	}

	return nil
}
