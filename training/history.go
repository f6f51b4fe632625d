package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a training run
type State int

const (
	StateIdle State = iota
	StateEpochRunning
	StateEpochDone
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEpochRunning:
		return "epoch_running"
	case StateEpochDone:
		return "epoch_done"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for c := StateIdle; c <= StateCompleted; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown training state %q", text)
}

// EpochStats holds the metrics recorded for a single epoch
type EpochStats struct {
	Epoch         int           `json:"epoch"`
	LossTrain     float64       `json:"loss_train"`
	LossVal       float64       `json:"loss_val"`
	SamplesTrain  int           `json:"samples_train"`
	SamplesVal    int           `json:"samples_val"`
	BatchesTrain  int           `json:"batches_train"`
	BatchesVal    int           `json:"batches_val"`
	LearningRates []float64     `json:"learning_rates"`
	Elapsed       time.Duration `json:"elapsed"`
}

// History is the append-only record of one training run
type History struct {
	mu     sync.RWMutex
	RunID  uuid.UUID    `json:"run_id"`
	State  State        `json:"state"`
	Epochs []EpochStats `json:"epochs"`
	// StopReason is set when the run ends in StateStopped.
	StopReason string `json:"stop_reason,omitempty"`
}

// NewHistory creates an empty history with a fresh run id
func NewHistory() *History {
	return &History{RunID: uuid.New(), State: StateIdle}
}

func (h *History) append(stats EpochStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Epochs = append(h.Epochs, stats)
}

func (h *History) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.State = s
}

func (h *History) stopped(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.State = StateStopped
	h.StopReason = reason
}

// CurrentState returns the state of the run
func (h *History) CurrentState() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.State
}

// Len returns the number of finished epochs
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Epochs)
}

// Snapshot returns a copy of the recorded epochs
func (h *History) Snapshot() []EpochStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]EpochStats, len(h.Epochs))
	copy(out, h.Epochs)
	return out
}

// Last returns the most recent epoch, if any
func (h *History) Last() (EpochStats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// MarshalJSON encodes the history under its read lock
func (h *History) MarshalJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	type alias struct {
		RunID      uuid.UUID    `json:"run_id"`
		State      State        `json:"state"`
		Epochs     []EpochStats `json:"epochs"`
		StopReason string       `json:"stop_reason,omitempty"`
	}
	return json.Marshal(alias{RunID: h.RunID, State: h.State, Epochs: h.Epochs, StopReason: h.StopReason})
}

// SaveJSON writes the history to path
func (h *History) SaveJSON(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// LoadHistory reads a history written by SaveJSON
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		RunID      uuid.UUID    `json:"run_id"`
		State      State        `json:"state"`
		Epochs     []EpochStats `json:"epochs"`
		StopReason string       `json:"stop_reason"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &History{RunID: raw.RunID, State: raw.State, Epochs: raw.Epochs, StopReason: raw.StopReason}, nil
}
