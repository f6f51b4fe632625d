package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/tinyai/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatZip stores weights.pb, optimizer.pb and meta.json in a zip archive
	FormatZip CheckpointFormat = iota
	// FormatJSON stores the whole checkpoint as one JSON document
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatZip:
		return "Zip"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks the format from the file extension
func FormatFromPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".json" {
		return FormatJSON
	}
	return FormatZip
}

// Checkpoint represents a complete model state including weights, optimizer
// state, and training metadata
type Checkpoint struct {
	// ModelSpec is the architecture the weights belong to, if known. It is
	// informational; loading never rebuilds a model from it.
	ModelSpec json.RawMessage `json:"model_spec,omitempty"`
	Weights   []WeightTensor  `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes a complete model checkpoint, creating the parent
// directory. The file is written to a temporary name and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "tinyai"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := path + ".tmp"
	var err error
	switch cs.format {
	case FormatJSON:
		err = saveJSON(checkpoint, tmp)
	case FormatZip:
		err = saveZip(checkpoint, tmp)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return loadJSON(path)
	case FormatZip:
		return loadZip(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return file.Close()
}

// loadJSON loads checkpoint from JSON format
func loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ExtractWeightsFromTensors names parameter tensors for a checkpoint. names
// holds "<layer>.<type>" entries aligned with tensors.
func ExtractWeightsFromTensors(tensors []*tensor.Tensor, names []string) ([]WeightTensor, error) {
	if len(names) != len(tensors) {
		return nil, fmt.Errorf("name count mismatch: %d names, %d tensors", len(names), len(tensors))
	}

	weights := make([]WeightTensor, len(tensors))
	for i, t := range tensors {
		layer, kind := splitName(names[i])
		weights[i] = WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return weights, nil
}

func splitName(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

// LoadWeightsIntoTensors copies checkpoint weights into tensors. names holds
// the expected weight name of every tensor; every tensor must be covered with
// a matching shape.
func LoadWeightsIntoTensors(weights []WeightTensor, names []string, tensors []*tensor.Tensor) error {
	if len(names) != len(tensors) {
		return fmt.Errorf("name count mismatch: %d names, %d tensors", len(names), len(tensors))
	}
	if len(weights) != len(tensors) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(tensors))
	}

	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	// Validate everything before touching any tensor
	for i, t := range tensors {
		w, ok := weightMap[names[i]]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", names[i])
		}
		if len(t.Shape) != len(w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", w.Name, t.Shape, w.Shape)
		}
		for j, dim := range t.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != t.NumElems {
			return fmt.Errorf("weight %s has %d values, expected %d", w.Name, len(w.Data), t.NumElems)
		}
	}

	for i, t := range tensors {
		copy(t.Data, weightMap[names[i]].Data)
	}
	return nil
}
