package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/tensor"
)

// Layer is one executable step of a Sequential model
type Layer interface {
	Name() string
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	name   string
	weight *tensor.Tensor // [inputSize, outputSize]
	bias   *tensor.Tensor // [outputSize] or nil
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and
// zero bias
func NewLinear(name string, inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %dx%d", inputSize, outputSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.Uniform([]int{inputSize, outputSize}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{name: name, weight: weight}
	if bias {
		b, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		b.SetRequiresGrad(true)
		l.bias = b
	}
	return l, nil
}

func (l *Linear) Name() string {
	return l.name
}

// Forward flattens input to [batch, features] and applies xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return l.apply(input, l.weight, l.bias)
}

// Infer computes the same result as Forward against detached parameters, so
// no autograd graph is recorded.
func (l *Linear) Infer(input *tensor.Tensor) (*tensor.Tensor, error) {
	var bias *tensor.Tensor
	if l.bias != nil {
		bias = l.bias.Detach()
	}
	return l.apply(input, l.weight.Detach(), bias)
}

func (l *Linear) apply(input, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) == 0 {
		return nil, fmt.Errorf("linear layer %s got a scalar input", l.name)
	}
	x := input
	if len(input.Shape) != 2 {
		var err error
		if x, err = input.Reshape([]int{input.Shape[0], -1}); err != nil {
			return nil, err
		}
	}
	if x.Shape[1] != weight.Shape[0] {
		return nil, fmt.Errorf("layer %s: input size mismatch: expected %d, got %d", l.name, weight.Shape[0], x.Shape[1])
	}

	output, err := tensor.MatMul(x, weight)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if output, err = tensor.AddBias(output, bias); err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Activation applies a parameterless element or row wise function
type Activation struct {
	name string
	kind LayerType
}

// NewActivation creates an activation layer of kind ReLU, Sigmoid, Tanh,
// Softmax or Flatten
func NewActivation(name string, kind LayerType) (*Activation, error) {
	switch kind {
	case ReLU, Sigmoid, Tanh, Softmax, Flatten:
		return &Activation{name: name, kind: kind}, nil
	default:
		return nil, fmt.Errorf("%s is not an activation", kind)
	}
}

func (a *Activation) Name() string {
	return a.name
}

func (a *Activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	switch a.kind {
	case ReLU:
		return tensor.ReLU(input), nil
	case Sigmoid:
		return tensor.Sigmoid(input), nil
	case Tanh:
		return tensor.Tanh(input), nil
	case Softmax:
		return tensor.Softmax(input)
	case Flatten:
		return input.Reshape([]int{input.Shape[0], -1})
	default:
		return nil, fmt.Errorf("unsupported activation %s", a.kind)
	}
}

func (a *Activation) Parameters() []*tensor.Tensor {
	return nil
}

// Sequential chains layers. It implements training.Module and carries its
// weights in and out of checkpoints.
type Sequential struct {
	spec     *ModelSpec
	layers   []Layer
	training bool
}

// NewSequential creates a model from already constructed layers
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers, training: true}
}

// Build constructs the executable model described by a compiled spec.
// Weights are initialized from seed.
func Build(spec *ModelSpec, seed int64) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	rng := rand.New(rand.NewSource(seed))
	model := &Sequential{spec: spec, training: true}

	for _, ls := range spec.Layers {
		var layer Layer
		var err error
		switch ls.Type {
		case Dense:
			layer, err = NewLinear(ls.Name, ls.IntParam("input_size"), ls.IntParam("output_size"), ls.BoolParam("use_bias"), rng)
		default:
			layer, err = NewActivation(ls.Name, ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %s: %w", ls.Name, err)
		}
		model.layers = append(model.layers, layer)
	}

	return model, nil
}

// Spec returns the compiled spec the model was built from, or nil
func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

// Layers returns the layers in order
func (s *Sequential) Layers() []Layer {
	return s.layers
}

// inferencer is implemented by layers whose parameters can be read without
// recording gradients
type inferencer interface {
	Infer(input *tensor.Tensor) (*tensor.Tensor, error)
}

// Forward runs inputs[0] through every layer. In eval mode no autograd graph
// is recorded and the output does not require gradients.
func (s *Sequential) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("sequential model expects 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if !s.training {
		x = x.Detach()
	}
	for _, l := range s.layers {
		var err error
		if inf, ok := l.(inferencer); ok && !s.training {
			x, err = inf.Infer(x)
		} else {
			x, err = l.Forward(x)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name(), err)
		}
	}
	return x, nil
}

// Parameters returns all trainable parameters in layer order
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
}

func (s *Sequential) Eval() {
	s.training = false
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// SaveState extracts the weights of every layer, named "<layer>.weight" and
// "<layer>.bias"
func (s *Sequential) SaveState() ([]checkpoints.WeightTensor, error) {
	var weights []checkpoints.WeightTensor
	for _, l := range s.layers {
		for i, p := range l.Parameters() {
			kind := "weight"
			if i == 1 {
				kind = "bias"
			}
			weights = append(weights, checkpoints.WeightTensor{
				Name:  fmt.Sprintf("%s.%s", l.Name(), kind),
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Data...),
				Layer: l.Name(),
				Type:  kind,
			})
		}
	}
	return weights, nil
}

// LoadState copies weights into the model parameters. Names and shapes must
// match the model.
func (s *Sequential) LoadState(weights []checkpoints.WeightTensor) error {
	current, err := s.SaveState()
	if err != nil {
		return err
	}
	names := make([]string, len(current))
	for i, w := range current {
		names[i] = w.Name
	}
	return checkpoints.LoadWeightsIntoTensors(weights, names, s.Parameters())
}
