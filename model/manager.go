// Package model manages the lifecycle of one trainable model: creation,
// checkpointing under a namespace directory, training and evaluation.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/checkpoints"
	"github.com/tsawler/tinyai/layers"
	"github.com/tsawler/tinyai/optimizer"
	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/training"
)

const (
	// ModelFile is the checkpoint file name inside the namespace
	ModelFile = "model.zip"
	// HistoryImageFile is the loss plot file name inside the namespace
	HistoryImageFile = "model.png"
	// HistoryFile is the JSON history file name inside the namespace
	HistoryFile = "history.json"
)

// ErrNoModel is returned by operations that need a created model
var ErrNoModel = errors.New("model is not created")

// TrainableModel is a training.Module whose weights can be captured and
// restored by name.
type TrainableModel interface {
	training.Module
	SaveState() ([]checkpoints.WeightTensor, error)
	LoadState(weights []checkpoints.WeightTensor) error
}

// Factory builds a fresh, untrained model
type Factory func() (TrainableModel, error)

// SequentialFactory builds layers.Sequential models from spec
func SequentialFactory(spec *layers.ModelSpec, seed int64) Factory {
	return func() (TrainableModel, error) {
		seq, err := layers.Build(spec, seed)
		if err != nil {
			return nil, err
		}
		return seq, nil
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithOptimizer selects the optimizer used by Train
func WithOptimizer(cfg optimizer.Config) Option {
	return func(m *Manager) { m.optConfig = cfg }
}

// WithScheduler selects the learning rate scheduler used by Train
func WithScheduler(cfg training.SchedulerConfig) Option {
	return func(m *Manager) { m.schedConfig = cfg }
}

// WithLoss selects the loss by name ("mse", "cross_entropy") and reduction
func WithLoss(name, reduction string) Option {
	return func(m *Manager) {
		m.lossName = name
		m.lossReduction = reduction
	}
}

// WithProgressSink sets where training progress goes
func WithProgressSink(s training.ProgressSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithStopPredicate overrides the trainer's default stop predicate
func WithStopPredicate(p training.StopPredicate) Option {
	return func(m *Manager) { m.stop = p }
}

// WithCheckpointEvery saves model.zip, optimizer state included, every n
// finished epochs. Zero disables it.
func WithCheckpointEvery(n int) Option {
	return func(m *Manager) { m.checkpointEvery = n }
}

// WithResume makes Train continue from an existing model.zip
func WithResume(resume bool) Option {
	return func(m *Manager) { m.resume = resume }
}

// Manager owns a model and its files under a namespace directory
type Manager struct {
	mu sync.Mutex

	namespace string
	factory   Factory
	logger    *zap.Logger

	optConfig       optimizer.Config
	schedConfig     training.SchedulerConfig
	lossName        string
	lossReduction   string
	sink            training.ProgressSink
	stop            training.StopPredicate
	checkpointEvery int
	resume          bool

	model     TrainableModel
	trained   bool
	optimizer optimizer.Optimizer
	history   *training.History
	// restored optimizer state of the last successful Load
	loadedOptState *checkpoints.OptimizerState
}

// New creates a Manager for namespace. No model exists until Create.
func New(namespace string, factory Factory, opts ...Option) *Manager {
	m := &Manager{
		namespace: namespace,
		factory:   factory,
		lossName:  "mse",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Namespace returns the directory holding the model files
func (m *Manager) Namespace() string {
	return m.namespace
}

// Path returns the default checkpoint path
func (m *Manager) Path() string {
	return filepath.Join(m.namespace, ModelFile)
}

// HistoryImagePath returns the path of the loss plot
func (m *Manager) HistoryImagePath() string {
	return filepath.Join(m.namespace, HistoryImageFile)
}

// HistoryPath returns the path of the JSON history
func (m *Manager) HistoryPath() string {
	return filepath.Join(m.namespace, HistoryFile)
}

// Create builds a fresh model with the factory. The model is not trained.
func (m *Manager) Create() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return fmt.Errorf("no model factory")
	}
	model, err := m.factory()
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	m.model = model
	m.trained = false
	m.optimizer = nil
	m.loadedOptState = nil
	m.history = nil
	return nil
}

// Model returns the managed model, or nil before Create
func (m *Manager) Model() TrainableModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// IsLoaded reports whether a model exists
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model != nil
}

// IsTrained reports whether the weights came from a checkpoint or a finished
// training run
func (m *Manager) IsTrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trained
}

// Save writes the model weights to path, or Path() when path is empty. It
// does nothing when no model exists.
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(path, false)
}

func (m *Manager) save(path string, withOptimizer bool) error {
	if m.model == nil {
		return nil
	}
	if path == "" {
		path = m.Path()
	}

	ckpt, err := m.checkpoint(withOptimizer)
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatFromPath(path))
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	m.logger.Debug("Model saved", zap.String("path", path), zap.Int("tensors", len(ckpt.Weights)))
	return nil
}

type specProvider interface {
	Spec() *layers.ModelSpec
}

// checkpoint captures the current model, and optionally optimizer, state
func (m *Manager) checkpoint(withOptimizer bool) (*checkpoints.Checkpoint, error) {
	weights, err := m.model.SaveState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture model state: %w", err)
	}
	ckpt := &checkpoints.Checkpoint{Weights: weights}

	if sp, ok := m.model.(specProvider); ok && sp.Spec() != nil {
		if ckpt.ModelSpec, err = json.Marshal(sp.Spec()); err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
	}

	if h := m.history; h != nil {
		ckpt.Metadata.RunID = h.RunID.String()
		for i, e := range h.Snapshot() {
			if i == 0 || float32(e.LossVal) < ckpt.TrainingState.BestLoss {
				ckpt.TrainingState.BestLoss = float32(e.LossVal)
			}
			ckpt.TrainingState.Epoch = e.Epoch + 1
		}
	}
	if m.optimizer != nil {
		ckpt.TrainingState.Step = int(m.optimizer.GetStepCount())
		ckpt.TrainingState.LearningRate = float32(m.optimizer.GetLR())
		if withOptimizer {
			if ckpt.OptimizerState, err = m.optimizer.GetState(); err != nil {
				return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
			}
		}
	}
	return ckpt, nil
}

// Load restores weights from path, or Path() when path is empty. The model
// is marked untrained first; a missing file or a missing model leave it so
// without error.
func (m *Manager) Load(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(path)
}

func (m *Manager) load(path string) error {
	m.trained = false
	m.loadedOptState = nil
	if m.model == nil {
		return nil
	}
	if path == "" {
		path = m.Path()
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		m.logger.Debug("No checkpoint to load", zap.String("path", path))
		return nil
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatFromPath(path))
	ckpt, err := saver.LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if err := m.model.LoadState(ckpt.Weights); err != nil {
		return fmt.Errorf("failed to restore model state: %w", err)
	}

	m.trained = true
	m.loadedOptState = ckpt.OptimizerState
	m.logger.Info("Model loaded",
		zap.String("path", path),
		zap.Int("epoch", ckpt.TrainingState.Epoch),
		zap.Time("created_at", ckpt.Metadata.CreatedAt))
	return nil
}

// Train fits the model on trainSet, validating on valSet when it is not nil.
// With WithResume an existing checkpoint, optimizer state included, is loaded
// first. The model counts as trained when the run completes, is stopped by
// the stop predicate, or is interrupted after at least one finished epoch.
func (m *Manager) Train(ctx context.Context, trainSet, valSet training.Dataset, cfg training.TrainConfig) (*training.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.model == nil {
		return nil, ErrNoModel
	}

	if m.resume {
		if err := m.load(""); err != nil {
			return nil, err
		}
	}
	optState := m.loadedOptState

	opt, err := optimizer.New(m.optConfig, m.model.Parameters())
	if err != nil {
		return nil, err
	}
	if optState != nil {
		if err := opt.LoadState(optState); err != nil {
			m.logger.Warn("Ignoring saved optimizer state", zap.Error(err))
		}
	}
	m.optimizer = opt

	loss, err := training.NewLoss(m.lossName, m.lossReduction)
	if err != nil {
		return nil, err
	}

	opts := []training.TrainerOption{training.WithLogger(m.logger)}
	sched, err := training.NewScheduler(m.schedConfig)
	if err != nil {
		return nil, err
	}
	if sched != nil {
		opts = append(opts, training.WithScheduler(sched))
	}
	if m.sink != nil {
		opts = append(opts, training.WithProgressSink(m.sink))
	}
	if m.stop != nil {
		opts = append(opts, training.WithStopPredicate(m.stop))
	}

	var trainer *training.Trainer
	if every := m.checkpointEvery; every > 0 {
		opts = append(opts, training.WithEpochHook(func(ctx context.Context, stats training.EpochStats) error {
			if (stats.Epoch+1)%every != 0 {
				return nil
			}
			m.history = trainer.History()
			return m.save("", true)
		}))
	}
	trainer = training.NewTrainer(m.model, opt, loss, cfg, opts...)

	m.trained = false
	history, err := trainer.Train(ctx, trainSet, valSet)
	m.history = history
	if err != nil {
		return history, err
	}

	switch history.CurrentState() {
	case training.StateCompleted:
		m.trained = true
	case training.StateStopped:
		m.trained = history.StopReason != training.StopReasonInterrupted || history.Len() > 0
	}
	return history, nil
}

// Optimizer returns the optimizer of the last Train call
func (m *Manager) Optimizer() optimizer.Optimizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimizer
}

// Predict runs the model in eval mode
func (m *Manager) Predict(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.model == nil {
		return nil, ErrNoModel
	}
	m.model.Eval()
	defer m.model.Train()
	return m.model.Forward(inputs...)
}

// Control scores the model on ds and returns (correct, total). A nil score
// uses training.ClassAccuracy.
func (m *Manager) Control(ctx context.Context, ds training.Dataset, batchSize int, score training.ControlFunc) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.model == nil {
		return 0, 0, ErrNoModel
	}
	if batchSize <= 0 {
		batchSize = training.DefaultBatchSize
	}
	return training.Control(ctx, m.model, ds, batchSize, score)
}

// History returns the history of the last Train call, or nil
func (m *Manager) History() *training.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history
}

// SaveHistory writes the history as JSON to HistoryPath()
func (m *Manager) SaveHistory() error {
	h := m.History()
	if h == nil {
		return fmt.Errorf("no training history")
	}
	if err := os.MkdirAll(m.namespace, 0o755); err != nil {
		return err
	}
	return h.SaveJSON(m.HistoryPath())
}

// SaveHistoryPlot renders the loss history to HistoryImagePath()
func (m *Manager) SaveHistoryPlot() error {
	h := m.History()
	if h == nil {
		return fmt.Errorf("no training history")
	}
	return training.SaveHistoryPlot(h, m.HistoryImagePath())
}
