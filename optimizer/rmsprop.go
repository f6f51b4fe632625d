package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// RMSPropOptimizerState implements RMSProp with optional momentum
type RMSPropOptimizerState struct {
	base

	Alpha       float64 // Smoothing constant (typically 0.99)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float64 // L2 regularization coefficient
	Momentum    float64 // Momentum coefficient (0.0 for no momentum)

	squaredGradAvgBuffers [][]float32 // Running average of squared gradients
	momentumBuffers       [][]float32 // Only if momentum > 0
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*tensor.Tensor) (*RMSPropOptimizerState, error) {
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	rms := &RMSPropOptimizerState{
		base:        b,
		Alpha:       config.Alpha,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		Momentum:    config.Momentum,
	}
	rms.squaredGradAvgBuffers = rms.newStateBuffers()
	if config.Momentum > 0 {
		rms.momentumBuffers = rms.newStateBuffers()
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	rms.stepCount++
	alpha := float32(rms.Alpha)
	mu := float32(rms.Momentum)

	for i, p := range rms.params {
		g := rms.gradient(i, rms.WeightDecay)
		if g == nil {
			continue
		}

		sq := rms.squaredGradAvgBuffers[i]
		for j := range p.Data {
			sq[j] = alpha*sq[j] + (1-alpha)*g[j]*g[j]
			update := g[j] / float32(math.Sqrt(float64(sq[j]))+rms.Epsilon)
			if rms.momentumBuffers != nil {
				buf := rms.momentumBuffers[i]
				buf[j] = mu*buf[j] + update
				update = buf[j]
			}
			p.Data[j] -= float32(rms.learningRate) * update
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	stateData = extractBuffers(stateData, &rms.base, rms.squaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	stateData = extractBuffers(stateData, &rms.base, rms.momentumBuffers, "momentum", "momentum")

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.learningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"step_count":    rms.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rms.learningRate = extractFloatParam(state.Parameters, "learning_rate", rms.learningRate)
	rms.Alpha = extractFloatParam(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloatParam(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloatParam(state.Parameters, "momentum", rms.Momentum)
	rms.stepCount = extractUint64Param(state.Parameters, "step_count", rms.stepCount)

	for _, st := range state.StateData {
		var err error
		switch st.StateType {
		case "squared_grad_avg":
			err = restoreBufferState(rms.squaredGradAvgBuffers, &rms.base, st)
		case "momentum":
			if rms.momentumBuffers == nil {
				rms.momentumBuffers = rms.newStateBuffers()
			}
			err = restoreBufferState(rms.momentumBuffers, &rms.base, st)
		}
		if err != nil {
			return err
		}
	}

	return nil
}
