package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/tsawler/tinyai/training"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Dataset.TrainK != 0.95 || cfg.Dataset.TestLayer != 1 {
		t.Errorf("Unexpected dataset defaults %+v", cfg.Dataset)
	}
	if cfg.Train.StopLoss != training.DefaultStopLoss || cfg.Train.MinEpochs != training.DefaultMinEpochs {
		t.Errorf("Unexpected train defaults %+v", cfg.Train)
	}
	if cfg.Server.Addr != ":8080" || cfg.Log.Level != "info" {
		t.Errorf("Unexpected server/log defaults %+v %+v", cfg.Server, cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}

	empty, err := Load("")
	if err != nil || empty.Model.Namespace != cfg.Model.Namespace {
		t.Errorf("Load(\"\") should return defaults, got %+v, %v", empty, err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TINYAI_ROOT", "/srv/tinyai")
	path := writeConfig(t, `
dataset:
  folder: $TINYAI_ROOT/mnist
  train_k: 0.8
model:
  hidden: [64, 32]
  activation: tanh
train:
  epochs: 3
  batch_size: 16
optimizer:
  name: sgd
  learning_rate: 0.05
  momentum: 0.9
scheduler:
  name: step
  step_size: 2
log:
  level: debug
  development: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dataset.Folder != "/srv/tinyai/mnist" {
		t.Errorf("Environment not expanded: %s", cfg.Dataset.Folder)
	}
	if cfg.Dataset.TrainK != 0.8 || cfg.Dataset.ImageSize != 28 {
		t.Errorf("Unexpected dataset config %+v", cfg.Dataset)
	}
	if len(cfg.Model.Hidden) != 2 || cfg.Model.Activation != "tanh" {
		t.Errorf("Unexpected model config %+v", cfg.Model)
	}

	// Fields absent from the file keep the trainer defaults
	if cfg.Train.Epochs != 3 || cfg.Train.BatchSize != 16 || cfg.Train.StopLoss != training.DefaultStopLoss {
		t.Errorf("Unexpected train config %+v", cfg.Train)
	}
	if cfg.Optimizer.Name != "sgd" || cfg.Optimizer.Momentum != 0.9 {
		t.Errorf("Unexpected optimizer config %+v", cfg.Optimizer)
	}
	if cfg.Scheduler.Name != "step" || cfg.Scheduler.StepSize != 2 {
		t.Errorf("Unexpected scheduler config %+v", cfg.Scheduler)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Debug level should be enabled")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "dataset:\n  folderr: x\n", "decode"},
		{"train_k", "dataset:\n  train_k: 1.5\n", "train_k"},
		{"layers", "dataset:\n  train_layer: 2\n  test_layer: 2\n", "must differ"},
		{"hidden", "model:\n  hidden: [0]\n", "positive"},
		{"activation", "model:\n  activation: gelu\n", "activation"},
		{"log level", "log:\n  level: loud\n", "log level"},
		{"reduction", "train:\n  reduction: median\n", "reduction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
