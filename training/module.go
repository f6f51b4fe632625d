package training

import (
	"github.com/tsawler/tinyai/tensor"
)

// Module interface defines methods that all trainable networks must implement.
// Forward receives one tensor per input component of a batch; single input
// models simply use inputs[0].
type Module interface {
	Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// CountParameters returns the total number of trainable scalars in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}
