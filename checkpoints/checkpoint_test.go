package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/tinyai/tensor"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		ModelSpec: json.RawMessage(`{"layers":[{"name":"dense1"}]}`),
		Weights: []WeightTensor{
			{
				Name:  "dense1.weight",
				Shape: []int{3, 2},
				Data:  []float32{1, 2, 3, 4, 5, 6},
				Layer: "dense1",
				Type:  "weight",
			},
			{
				Name:  "dense1.bias",
				Shape: []int{2},
				Data:  []float32{0.5, -0.5},
				Layer: "dense1",
				Type:  "bias",
			},
		},
		TrainingState: TrainingState{
			Epoch:        10,
			Step:         1000,
			LearningRate: 0.001,
			BestLoss:     0.5,
			TotalSteps:   1000,
		},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]interface{}{"momentum": 0.9},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{3, 2}, Data: []float32{1, 1, 1, 1, 1, 1}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Description: "test checkpoint",
			Tags:        []string{"test"},
		},
	}
}

func checkRoundTrip(t *testing.T, want, got *Checkpoint) {
	t.Helper()

	if len(got.Weights) != len(want.Weights) {
		t.Fatalf("Expected %d weights, got %d", len(want.Weights), len(got.Weights))
	}
	for i, w := range want.Weights {
		g := got.Weights[i]
		if g.Name != w.Name || g.Layer != w.Layer || g.Type != w.Type {
			t.Errorf("Weight %d: expected %s/%s/%s, got %s/%s/%s", i, w.Name, w.Layer, w.Type, g.Name, g.Layer, g.Type)
		}
		if len(g.Data) != len(w.Data) {
			t.Fatalf("Weight %s: expected %d values, got %d", w.Name, len(w.Data), len(g.Data))
		}
		for j := range w.Data {
			if g.Data[j] != w.Data[j] {
				t.Errorf("Weight %s[%d]: expected %f, got %f", w.Name, j, w.Data[j], g.Data[j])
			}
		}
	}

	if got.TrainingState != want.TrainingState {
		t.Errorf("Training state mismatch: %+v vs %+v", got.TrainingState, want.TrainingState)
	}
	if got.Metadata.Framework != "tinyai" {
		t.Errorf("Expected framework tinyai, got %q", got.Metadata.Framework)
	}
	if got.Metadata.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on save")
	}
	if string(got.ModelSpec) == "" {
		t.Error("Model spec was lost")
	}

	if got.OptimizerState == nil {
		t.Fatal("Optimizer state was lost")
	}
	if got.OptimizerState.Type != "SGD" {
		t.Errorf("Expected optimizer SGD, got %s", got.OptimizerState.Type)
	}
	if len(got.OptimizerState.StateData) != 1 {
		t.Fatalf("Expected 1 optimizer tensor, got %d", len(got.OptimizerState.StateData))
	}
	if st := got.OptimizerState.StateData[0]; st.Name != "momentum_0" || st.StateType != "momentum" || len(st.Data) != 6 {
		t.Errorf("Unexpected optimizer tensor %+v", st)
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatZip, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "model.ckpt")
			saver := NewCheckpointSaver(format)

			want := testCheckpoint()
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Error("Temporary file left behind")
			}

			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			checkRoundTrip(t, want, got)
		})
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatZip, "Zip"},
		{CheckpointFormat(999), "Unknown"},
	}

	for _, test := range tests {
		if result := test.format.String(); result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}
}

func TestFormatFromPath(t *testing.T) {
	if FormatFromPath("data/model.zip") != FormatZip {
		t.Error("model.zip should use the zip format")
	}
	if FormatFromPath("data/model.json") != FormatJSON {
		t.Error("model.json should use the JSON format")
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(999))
	path := filepath.Join(t.TempDir(), "model.bin")

	err := saver.SaveCheckpoint(testCheckpoint(), path)
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected unsupported format error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("No file should be written for an unsupported format")
	}

	if _, err := saver.LoadCheckpoint(path); err == nil {
		t.Error("Expected error loading an unsupported format")
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		for _, format := range []CheckpointFormat{FormatZip, FormatJSON} {
			if _, err := NewCheckpointSaver(format).LoadCheckpoint(filepath.Join(dir, "missing")); err == nil {
				t.Errorf("%s: expected error for missing file", format)
			}
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt")
		if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
			t.Fatal(err)
		}
		for _, format := range []CheckpointFormat{FormatZip, FormatJSON} {
			if _, err := NewCheckpointSaver(format).LoadCheckpoint(path); err == nil {
				t.Errorf("%s: expected error for corrupt file", format)
			}
		}
	})
}

func TestSaveKeepsExplicitMetadata(t *testing.T) {
	ckpt := testCheckpoint()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ckpt.Metadata.Framework = "custom"
	ckpt.Metadata.Version = "2.0.0"
	ckpt.Metadata.CreatedAt = created

	path := filepath.Join(t.TempDir(), "model.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		t.Fatal(err)
	}
	got, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Framework != "custom" || got.Metadata.Version != "2.0.0" || !got.Metadata.CreatedAt.Equal(created) {
		t.Errorf("Metadata overwritten: %+v", got.Metadata)
	}
}

func TestExtractWeightsFromTensors(t *testing.T) {
	w := tensor.MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
	b := tensor.MustNew([]int{2}, []float32{5, 6})

	weights, err := ExtractWeightsFromTensors([]*tensor.Tensor{w, b}, []string{"fc.weight", "fc.bias"})
	if err != nil {
		t.Fatal(err)
	}
	if len(weights) != 2 {
		t.Fatalf("Expected 2 weights, got %d", len(weights))
	}
	if weights[0].Layer != "fc" || weights[0].Type != "weight" || weights[1].Type != "bias" {
		t.Errorf("Unexpected names %+v / %+v", weights[0], weights[1])
	}

	// Extracted data is a copy
	w.Data[0] = 100
	if weights[0].Data[0] != 1 {
		t.Error("Extracted weights share memory with the tensor")
	}

	if _, err := ExtractWeightsFromTensors([]*tensor.Tensor{w}, nil); err == nil {
		t.Error("Expected error for name count mismatch")
	}
}

func TestLoadWeightsIntoTensors(t *testing.T) {
	weights := []WeightTensor{
		{Name: "layer1.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "layer1.bias", Shape: []int{2}, Data: []float32{5, 6}},
	}
	names := []string{"layer1.weight", "layer1.bias"}

	newTensors := func() []*tensor.Tensor {
		w, _ := tensor.Zeros([]int{2, 2})
		b, _ := tensor.Zeros([]int{2})
		return []*tensor.Tensor{w, b}
	}

	t.Run("success", func(t *testing.T) {
		tensors := newTensors()
		if err := LoadWeightsIntoTensors(weights, names, tensors); err != nil {
			t.Fatal(err)
		}
		if tensors[0].Data[3] != 4 || tensors[1].Data[1] != 6 {
			t.Errorf("Weights not copied: %v %v", tensors[0].Data, tensors[1].Data)
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		err := LoadWeightsIntoTensors(weights, nil, nil)
		if err == nil {
			t.Fatal("Expected error for mismatched weight/tensor count")
		}
		if !strings.Contains(err.Error(), "weight count mismatch") {
			t.Errorf("Expected 'weight count mismatch' error, got: %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		err := LoadWeightsIntoTensors(weights, []string{"layer1.weight", "layer2.bias"}, newTensors())
		if err == nil || !strings.Contains(err.Error(), "layer2.bias") {
			t.Errorf("Expected missing weight error, got %v", err)
		}
	})

	t.Run("shape mismatch leaves tensors untouched", func(t *testing.T) {
		bad := []WeightTensor{
			weights[0],
			{Name: "layer1.bias", Shape: []int{3}, Data: []float32{1, 2, 3}},
		}
		tensors := newTensors()
		if err := LoadWeightsIntoTensors(bad, names, tensors); err == nil {
			t.Fatal("Expected shape mismatch error")
		}
		if tensors[0].Data[0] != 0 {
			t.Error("Tensors modified before validation finished")
		}
	})
}
