package training

import (
	"fmt"
	"math"

	"github.com/tsawler/tinyai/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a single element tensor attached to the autograd graph of
// predicted; Backward returns the gradient of that scalar with respect to
// predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// NewLoss returns the loss registered under name ("mse" or "cross_entropy").
func NewLoss(name, reduction string) (Loss, error) {
	switch name {
	case "mse", "":
		return NewMSELoss(reduction), nil
	case "cross_entropy", "ce":
		return NewCrossEntropyLoss(reduction), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

// lossOp wires a Loss into the autograd graph.
type lossOp struct {
	loss      Loss
	predicted *tensor.Tensor
	target    *tensor.Tensor
}

func (op *lossOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.predicted}
}

func (op *lossOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	grad, err := op.loss.Backward(op.predicted, op.target)
	if err != nil {
		return nil, err
	}
	scale := gradOut.Data[0]
	if scale != 1 {
		for i := range grad.Data {
			grad.Data[i] *= scale
		}
	}
	return []*tensor.Tensor{grad}, nil
}

func scalarLoss(value float64, op *lossOp) *tensor.Tensor {
	result := tensor.FromScalar(value)
	result.SetCreator(op)
	return result
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction != "sum" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.NumElems != target.NumElems {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v",
			predicted.Shape, target.Shape)
	}

	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}

	if mse.reduction == "mean" {
		sum /= float64(predicted.NumElems)
	}

	return scalarLoss(sum, &lossOp{loss: mse, predicted: predicted, target: target}), nil
}

// Backward computes the gradient of MSE loss
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.NumElems != target.NumElems {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v",
			predicted.Shape, target.Shape)
	}

	// MSE gradient: d/d(pred) = 2 * (predicted - target) / N
	scale := float32(2)
	if mse.reduction == "mean" {
		scale /= float32(predicted.NumElems)
	}

	grad := make([]float32, predicted.NumElems)
	for i, p := range predicted.Data {
		grad[i] = scale * (p - target.Data[i])
	}
	return tensor.NewTensor(predicted.Shape, grad)
}

// CrossEntropyLoss implements softmax cross entropy over raw logits. Targets
// are either class distributions shaped like the logits (one-hot) or one
// class index per row.
type CrossEntropyLoss struct {
	reduction string
}

// NewCrossEntropyLoss creates a new cross entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction != "sum" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// targetDistribution expands target into a [batch, classes] distribution.
func (ce *CrossEntropyLoss) targetDistribution(predicted, target *tensor.Tensor) ([]float32, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits [batch_size, num_classes], got %v", predicted.Shape)
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]

	if target.NumElems == predicted.NumElems {
		return target.Data, nil
	}

	if target.NumElems != batchSize {
		return nil, fmt.Errorf("target shape %v does not match logits %v", target.Shape, predicted.Shape)
	}

	dist := make([]float32, predicted.NumElems)
	for i, v := range target.Data {
		class := int(v)
		if class < 0 || class >= numClasses {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", class, numClasses)
		}
		dist[i*numClasses+class] = 1
	}
	return dist, nil
}

// Forward computes L = -sum(target * log(softmax(logits)))
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	dist, err := ce.targetDistribution(predicted, target)
	if err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	probs := tensor.SoftmaxRows(predicted.Data, batchSize, numClasses)

	var sum float64
	for i, t := range dist {
		if t == 0 {
			continue
		}
		p := math.Max(float64(probs[i]), 1e-12)
		sum -= float64(t) * math.Log(p)
	}

	if ce.reduction == "mean" {
		sum /= float64(batchSize)
	}

	return scalarLoss(sum, &lossOp{loss: ce, predicted: predicted, target: target}), nil
}

// Backward computes dL/dlogits = softmax(logits) * sum(target) - target
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	dist, err := ce.targetDistribution(predicted, target)
	if err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	probs := tensor.SoftmaxRows(predicted.Data, batchSize, numClasses)

	scale := float32(1)
	if ce.reduction == "mean" {
		scale /= float32(batchSize)
	}

	grad := make([]float32, predicted.NumElems)
	for r := 0; r < batchSize; r++ {
		var mass float32
		for j := 0; j < numClasses; j++ {
			mass += dist[r*numClasses+j]
		}
		for j := 0; j < numClasses; j++ {
			k := r*numClasses + j
			grad[k] = scale * (probs[k]*mass - dist[k])
		}
	}
	return tensor.NewTensor(predicted.Shape, grad)
}
