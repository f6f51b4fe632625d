package layers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		expected  string
	}{
		{Dense, "Dense"},
		{ReLU, "ReLU"},
		{Softmax, "Softmax"},
		{Sigmoid, "Sigmoid"},
		{Tanh, "Tanh"},
		{Flatten, "Flatten"},
		{LayerType(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.layerType.String(); got != tt.expected {
			t.Errorf("LayerType(%d).String() = %s, want %s", tt.layerType, got, tt.expected)
		}
	}
}

func TestLayerFactory(t *testing.T) {
	factory := NewFactory()

	dense := factory.CreateDenseSpec(10, 5, true, "fc")
	if dense.Type != Dense || dense.Name != "fc" {
		t.Errorf("Unexpected dense spec %+v", dense)
	}
	if dense.IntParam("input_size") != 10 || dense.IntParam("output_size") != 5 || !dense.BoolParam("use_bias") {
		t.Errorf("Unexpected dense parameters %v", dense.Parameters)
	}

	for _, lt := range []LayerType{ReLU, Sigmoid, Tanh, Flatten} {
		spec := factory.CreateActivationSpec(lt, "act")
		if spec.Type != lt {
			t.Errorf("Expected type %s, got %s", lt, spec.Type)
		}
		if len(spec.Parameters) != 0 {
			t.Errorf("Expected no parameters for %s, got %d", lt, len(spec.Parameters))
		}
	}
}

func TestModelBuilderCompile(t *testing.T) {
	spec, err := NewModelBuilder([]int{32, 1, 4, 4}).
		AddFlatten("").
		AddDense(8, true, "hidden").
		AddReLU("").
		AddDense(3, false, "output").
		AddSoftmax("").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if !spec.Compiled {
		t.Error("Spec should be compiled")
	}
	if len(spec.Layers) != 5 {
		t.Fatalf("Expected 5 layers, got %d", len(spec.Layers))
	}

	// Unnamed layers get a type based name
	if spec.Layers[0].Name != "flatten1" || spec.Layers[2].Name != "relu3" {
		t.Errorf("Unexpected generated names %s, %s", spec.Layers[0].Name, spec.Layers[2].Name)
	}

	expectedShapes := [][]int{{32, 16}, {32, 8}, {32, 8}, {32, 3}, {32, 3}}
	for i, want := range expectedShapes {
		got := spec.Layers[i].OutputShape
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("Layer %d output shape %v, want %v", i, got, want)
		}
	}

	hidden := spec.Layers[1]
	if hidden.IntParam("input_size") != 16 {
		t.Errorf("Expected inferred input size 16, got %d", hidden.IntParam("input_size"))
	}
	if hidden.ParameterCount != 16*8+8 {
		t.Errorf("Expected %d hidden parameters, got %d", 16*8+8, hidden.ParameterCount)
	}
	if spec.Layers[3].ParameterCount != 8*3 {
		t.Errorf("Expected 24 output parameters without bias, got %d", spec.Layers[3].ParameterCount)
	}
	if spec.TotalParameters != 16*8+8+8*3 {
		t.Errorf("Unexpected total parameters %d", spec.TotalParameters)
	}
	if len(spec.ParameterShapes) != 3 {
		t.Errorf("Expected 3 parameter tensors, got %d", len(spec.ParameterShapes))
	}
	if spec.OutputShape[1] != 3 {
		t.Errorf("Unexpected output shape %v", spec.OutputShape)
	}
}

func TestActivationCompilation(t *testing.T) {
	builders := map[LayerType]func(*ModelBuilder) *ModelBuilder{
		ReLU:    func(b *ModelBuilder) *ModelBuilder { return b.AddReLU("act") },
		Sigmoid: func(b *ModelBuilder) *ModelBuilder { return b.AddSigmoid("act") },
		Tanh:    func(b *ModelBuilder) *ModelBuilder { return b.AddTanh("act") },
		Softmax: func(b *ModelBuilder) *ModelBuilder { return b.AddSoftmax("act") },
	}

	for lt, add := range builders {
		t.Run(lt.String(), func(t *testing.T) {
			spec, err := add(NewModelBuilder([]int{4, 10}).AddDense(6, true, "fc")).Compile()
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			act := spec.Layers[1]
			if act.Type != lt {
				t.Errorf("Expected %s, got %s", lt, act.Type)
			}
			if act.ParameterCount != 0 {
				t.Errorf("Activation should have no parameters, got %d", act.ParameterCount)
			}
			if act.OutputShape[0] != 4 || act.OutputShape[1] != 6 {
				t.Errorf("Activation should keep its input shape, got %v", act.OutputShape)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
		want    string
	}{
		{"empty", NewModelBuilder([]int{1, 4}), "empty model"},
		{"no batch dimension", NewModelBuilder([]int{4}).AddReLU(""), "batch dimension"},
		{"missing output size", NewModelBuilder([]int{1, 4}).AddDense(0, true, ""), "output_size"},
		{
			"declared input mismatch",
			NewModelBuilder([]int{1, 4}).AddLayer(NewFactory().CreateDenseSpec(5, 2, true, "fc")),
			"does not match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Compile()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCompileDoesNotMutateBuilder(t *testing.T) {
	builder := NewModelBuilder([]int{2, 3}).AddDense(4, true, "fc")
	if _, err := builder.Compile(); err != nil {
		t.Fatal(err)
	}
	if _, ok := builder.layers[0].Parameters["input_size"]; ok {
		t.Error("Compile wrote inferred parameters back into the builder")
	}
}

func TestSpecJSONRoundTrip(t *testing.T) {
	spec, err := NewModelBuilder([]int{1, 3}).AddDense(2, true, "fc").AddSigmoid("").Compile()
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	// JSON numbers come back as float64; the accessors still read them
	fc := decoded.Layers[0]
	if fc.IntParam("input_size") != 3 || fc.IntParam("output_size") != 2 || !fc.BoolParam("use_bias") {
		t.Errorf("Parameters lost in JSON round trip: %v", fc.Parameters)
	}
	if decoded.Layers[1].Type != Sigmoid {
		t.Errorf("Expected Sigmoid, got %s", decoded.Layers[1].Type)
	}
}

func TestModelSummary(t *testing.T) {
	var uncompiled ModelSpec
	if uncompiled.Summary() != "Model not compiled" {
		t.Errorf("Unexpected summary for uncompiled spec: %q", uncompiled.Summary())
	}

	spec, err := NewModelBuilder([]int{1, 3}).AddDense(2, true, "fc").Compile()
	if err != nil {
		t.Fatal(err)
	}
	summary := spec.Summary()
	for _, want := range []string{"Total Parameters: 8", "Layer 1: fc (Dense)"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}
}
