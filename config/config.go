// Package config loads the YAML configuration shared by the tinyai commands.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/tinyai/optimizer"
	"github.com/tsawler/tinyai/training"
)

// DatasetConfig describes where the folder database lives and how it is built
type DatasetConfig struct {
	Folder     string  `yaml:"folder"`      // catalog folder, raw files live in data/<answer>/
	Kind       string  `yaml:"kind"`        // ingestion kind, "answer/images"
	SplitDest  string  `yaml:"split_dest"`  // destination of convert
	TrainK     float64 `yaml:"train_k"`     // share of samples kept for training
	Seed       int64   `yaml:"seed"`        // split seed
	TrainLayer int     `yaml:"train_layer"` // destination layer of training samples
	TestLayer  int     `yaml:"test_layer"`  // destination layer of test samples
	ImageSize  int     `yaml:"image_size"`  // square side images are resized to
	CacheSize  int     `yaml:"cache_size"`  // decoded samples kept in memory, 0 disables
}

// ModelConfig describes the reference classifier and where it is stored
type ModelConfig struct {
	Namespace       string `yaml:"namespace"`
	Hidden          []int  `yaml:"hidden"`
	Activation      string `yaml:"activation"` // relu, sigmoid or tanh
	Seed            int64  `yaml:"seed"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	Resume          bool   `yaml:"resume"`
}

// LossConfig selects the loss
type LossConfig struct {
	Name      string `yaml:"name"`
	Reduction string `yaml:"reduction"`
}

// ServerConfig configures the inspection API
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures zap
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config holds application configuration
type Config struct {
	Dataset   DatasetConfig            `yaml:"dataset"`
	Model     ModelConfig              `yaml:"model"`
	Train     training.TrainConfig     `yaml:"train"`
	Loss      LossConfig               `yaml:"loss"`
	Optimizer optimizer.Config         `yaml:"optimizer"`
	Scheduler training.SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig             `yaml:"server"`
	Log       LogConfig                `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{Train: training.DefaultTrainConfig()}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file. Missing settings keep their
// defaults; environment variables in paths are expanded. An empty path
// returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{Train: training.DefaultTrainConfig()}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.Dataset.Folder = os.ExpandEnv(cfg.Dataset.Folder)
	cfg.Dataset.SplitDest = os.ExpandEnv(cfg.Dataset.SplitDest)
	cfg.Model.Namespace = os.ExpandEnv(cfg.Model.Namespace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Dataset.Folder == "" {
		c.Dataset.Folder = "./data/dataset"
	}
	if c.Dataset.Kind == "" {
		c.Dataset.Kind = "answer/images"
	}
	if c.Dataset.SplitDest == "" {
		c.Dataset.SplitDest = "./data/split"
	}
	if c.Dataset.TrainK <= 0 {
		c.Dataset.TrainK = 0.95
	}
	if c.Dataset.TrainLayer == 0 && c.Dataset.TestLayer == 0 {
		c.Dataset.TestLayer = 1
	}
	if c.Dataset.ImageSize == 0 {
		c.Dataset.ImageSize = 28
	}

	if c.Model.Namespace == "" {
		c.Model.Namespace = "./data/model"
	}
	if len(c.Model.Hidden) == 0 {
		c.Model.Hidden = []int{128}
	}
	if c.Model.Activation == "" {
		c.Model.Activation = "relu"
	}

	if c.Loss.Name == "" {
		c.Loss.Name = "cross_entropy"
	}
	if c.Loss.Reduction == "" {
		c.Loss.Reduction = "mean"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if c.Dataset.TrainK > 1 {
		return fmt.Errorf("dataset.train_k must be in (0, 1], got %f", c.Dataset.TrainK)
	}
	if c.Dataset.TrainLayer == c.Dataset.TestLayer {
		return fmt.Errorf("dataset.train_layer and dataset.test_layer must differ")
	}
	for _, n := range c.Model.Hidden {
		if n <= 0 {
			return fmt.Errorf("model.hidden sizes must be positive, got %v", c.Model.Hidden)
		}
	}
	switch c.Model.Activation {
	case "relu", "sigmoid", "tanh":
	default:
		return fmt.Errorf("unknown activation %q", c.Model.Activation)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return c.Train.Validate()
}

// NewLogger builds the zap logger described by the log section
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
