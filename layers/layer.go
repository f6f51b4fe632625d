package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Softmax
	Sigmoid
	Tanh
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It is pure configuration; Build
// turns a compiled ModelSpec into executable modules.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam returns an integer parameter, accepting the float64 values a JSON
// round trip produces
func (ls LayerSpec) IntParam(key string) int {
	return getIntParam(ls.Parameters, key, 0)
}

// BoolParam returns a boolean parameter
func (ls LayerSpec) BoolParam(key string) bool {
	return getBoolParam(ls.Parameters, key, false)
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(inputSize, outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateActivationSpec creates a parameterless layer specification
func (lf *LayerFactory) CreateActivationSpec(layerType LayerType, name string) LayerSpec {
	return LayerSpec{
		Type:       layerType,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the batch
// dimension.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Name == "" {
		layer.Name = fmt.Sprintf("%s%d", strings.ToLower(layer.Type.String()), len(mb.layers)+1)
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer to the model. The input size is inferred at
// compile time.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(NewFactory().CreateActivationSpec(ReLU, name))
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(NewFactory().CreateActivationSpec(Sigmoid, name))
}

// AddTanh adds a Tanh activation to the model
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(NewFactory().CreateActivationSpec(Tanh, name))
}

// AddFlatten collapses all non batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(NewFactory().CreateActivationSpec(Flatten, name))
}

// AddSoftmax adds a Softmax activation over the last dimension
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{"axis": -1},
	})
}

// Compile computes shapes and parameter information for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include the batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Flatten:
		return []int{inputShape[0], flatSize(inputShape)}, nil, 0, nil
	case ReLU, Softmax, Sigmoid, Tanh:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func flatSize(shape []int) int {
	size := 1
	for _, d := range shape[1:] {
		size *= d
	}
	return size
}

// computeDenseInfo computes dense layer information. Inputs with more than
// two dimensions are flattened.
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := layer.IntParam("output_size")
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}

	useBias := getBoolParam(layer.Parameters, "use_bias", true)
	inputSize := flatSize(inputShape)

	if declared := layer.IntParam("input_size"); declared != 0 && declared != inputSize {
		return nil, nil, 0, fmt.Errorf("declared input size %d does not match %d", declared, inputSize)
	}
	layer.Parameters["input_size"] = inputSize
	layer.Parameters["use_bias"] = useBias

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n", layer.ParameterCount))
	}

	return sb.String()
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultValue
	}
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}
