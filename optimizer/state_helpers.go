package optimizer

import (
	"fmt"

	"github.com/tsawler/tinyai/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer for a checkpoint. Unallocated
// buffers yield nil.
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// extractBuffers appends every allocated buffer as "<prefix>_<i>"
func extractBuffers(stateData []checkpoints.OptimizerTensor, b *base, buffers [][]float32, prefix, stateType string) []checkpoints.OptimizerTensor {
	for i, buffer := range buffers {
		if st := extractBufferState(buffer, b.params[i].Shape, fmt.Sprintf("%s_%d", prefix, i), stateType); st != nil {
			stateData = append(stateData, *st)
		}
	}
	return stateData
}

// restoreBufferState copies checkpoint data into the buffer of parameter idx
func restoreBufferState(buffers [][]float32, b *base, st checkpoints.OptimizerTensor) error {
	idx := extractBufferIndex(st.Name)
	if idx < 0 || idx >= len(b.params) {
		return fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
	}

	expectedElements := b.params[idx].NumElems
	if len(st.Data) != expectedElements {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			st.Name, expectedElements, len(st.Data))
	}

	buffers[idx] = append([]float32(nil), st.Data...)
	return nil
}

// extractFloatParam reads a numeric parameter from the state map. Values
// arrive as float64 after a JSON round trip and as their original type
// otherwise.
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return defaultValue
	}
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := params[key].(uint64); ok {
		return val
	}
	if val := extractFloatParam(params, key, -1); val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
