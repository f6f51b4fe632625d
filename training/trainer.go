package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/tensor"
)

const (
	// DefaultBatchSize is used when TrainConfig.BatchSize is not set
	DefaultBatchSize = 64
	// DefaultStopLoss is the validation loss below which the default stop
	// predicate ends training
	DefaultStopLoss = 0.015
	// DefaultMinEpochs is the number of epochs the default stop predicate
	// always lets run
	DefaultMinEpochs = 5
)

// Reasons recorded in History.StopReason
const (
	StopReasonPredicate   = "stop predicate"
	StopReasonInterrupted = "interrupted"
)

// Loss reductions
const (
	ReductionMean = "mean" // sum of batch losses / iterations
	ReductionSum  = "sum"  // sum of batch losses / samples
	ReductionLast = "last" // loss of the last batch
)

// TrainConfig holds configuration for training
type TrainConfig struct {
	BatchSize int     `yaml:"batch_size" json:"batch_size"`
	Epochs    int     `yaml:"epochs" json:"epochs"`
	Reduction string  `yaml:"reduction" json:"reduction"`
	MinLR     float64 `yaml:"min_lr" json:"min_lr"`
	StopLoss  float64 `yaml:"stop_loss" json:"stop_loss"`
	MinEpochs int     `yaml:"min_epochs" json:"min_epochs"`
	Device    string  `yaml:"device" json:"device"`
	Seed      int64   `yaml:"seed" json:"seed"`
	Workers   int     `yaml:"workers" json:"workers"`   // Parallel sample decoders per batch
	Prefetch  int     `yaml:"prefetch" json:"prefetch"` // Train batches loaded ahead, 0 disables
}

// DefaultTrainConfig returns the default training configuration
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		BatchSize: DefaultBatchSize,
		Epochs:    10,
		Reduction: ReductionMean,
		StopLoss:  DefaultStopLoss,
		MinEpochs: DefaultMinEpochs,
		Device:    "auto",
		Seed:      1,
		Workers:   1,
		Prefetch:  2,
	}
}

// withDefaults fills zero values that have a non-zero default
func (c TrainConfig) withDefaults() TrainConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Reduction == "" {
		c.Reduction = ReductionMean
	}
	if c.StopLoss == 0 {
		c.StopLoss = DefaultStopLoss
	}
	if c.MinEpochs == 0 {
		c.MinEpochs = DefaultMinEpochs
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// Validate checks the configuration
func (c TrainConfig) Validate() error {
	if c.Epochs < 0 {
		return fmt.Errorf("epochs cannot be negative: %d", c.Epochs)
	}
	switch c.Reduction {
	case "", ReductionMean, ReductionSum, ReductionLast:
	default:
		return fmt.Errorf("unknown reduction %q", c.Reduction)
	}
	if c.MinLR < 0 {
		return fmt.Errorf("min_lr cannot be negative: %f", c.MinLR)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch cannot be negative: %d", c.Prefetch)
	}
	return nil
}

// StopInfo is what a StopPredicate sees after every epoch
type StopInfo struct {
	LossTrain     float64
	LossVal       float64
	Epoch         int
	LearningRates []float64
}

// StopPredicate decides whether training ends after an epoch
type StopPredicate func(info StopInfo) bool

// DefaultStopPredicate stops once the validation loss is below cfg.StopLoss
// after at least cfg.MinEpochs epochs, or once the smallest learning rate has
// fallen below cfg.MinLR.
func DefaultStopPredicate(cfg TrainConfig) StopPredicate {
	cfg = cfg.withDefaults()
	return func(info StopInfo) bool {
		if info.LossVal < cfg.StopLoss && info.Epoch+1 >= cfg.MinEpochs {
			return true
		}
		return cfg.MinLR > 0 && len(info.LearningRates) > 0 && minFloat(info.LearningRates) < cfg.MinLR
	}
}

// EpochHook runs after every finished epoch, e.g. to write a checkpoint.
// An error aborts training.
type EpochHook func(ctx context.Context, stats EpochStats) error

// TrainerOption configures a Trainer
type TrainerOption func(*Trainer)

// WithScheduler sets the learning rate scheduler stepped after each epoch
func WithScheduler(s Scheduler) TrainerOption {
	return func(t *Trainer) { t.scheduler = s }
}

// WithStopPredicate replaces the default stop predicate
func WithStopPredicate(p StopPredicate) TrainerOption {
	return func(t *Trainer) { t.stop = p }
}

// WithProgressSink sets where batch and epoch progress is reported
func WithProgressSink(s ProgressSink) TrainerOption {
	return func(t *Trainer) { t.sink = s }
}

// WithLoaders supplies prebuilt loaders; Train then ignores its dataset
// arguments. val may be nil.
func WithLoaders(train, val *DataLoader) TrainerOption {
	return func(t *Trainer) {
		t.trainLoader = train
		t.valLoader = val
		t.supplied = true
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithEpochHook adds a hook run after every epoch
func WithEpochHook(h EpochHook) TrainerOption {
	return func(t *Trainer) { t.hooks = append(t.hooks, h) }
}

// Trainer drives the epoch loop: a train pass, a validation pass, scheduler
// and stop predicate, until the epoch budget is spent or training is stopped.
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainConfig

	scheduler   Scheduler
	stop        StopPredicate
	sink        ProgressSink
	logger      *zap.Logger
	hooks       []EpochHook
	trainLoader *DataLoader
	valLoader   *DataLoader
	supplied    bool // loaders came from WithLoaders

	history *History
}

// NewTrainer creates a new Trainer
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, config TrainConfig, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config.withDefaults(),
		history:   NewHistory(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.stop == nil {
		t.stop = DefaultStopPredicate(t.config)
	}
	if t.sink == nil {
		t.sink = NopSink{}
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// History returns the history of the current or last run
func (t *Trainer) History() *History {
	return t.history
}

// State returns the state of the current or last run
func (t *Trainer) State() State {
	return t.history.CurrentState()
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Train runs the epoch loop. Cancelling ctx stops training at the next batch
// boundary: the unfinished epoch is discarded, the history so far is returned
// in StateStopped and the error is nil.
func (t *Trainer) Train(ctx context.Context, trainSet, valSet Dataset) (*History, error) {
	if err := t.config.Validate(); err != nil {
		return nil, err
	}

	t.history = NewHistory()
	h := t.history

	if t.config.Epochs == 0 {
		h.setState(StateCompleted)
		return h, nil
	}

	device, err := tensor.ParseDevice(t.config.Device)
	if err != nil {
		return nil, err
	}

	if err := t.prepareLoaders(trainSet, valSet); err != nil {
		return nil, err
	}
	defer t.trainLoader.Close()

	t.logger.Info("Starting training",
		zap.String("run_id", h.RunID.String()),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("batch_size", t.config.BatchSize),
		zap.Int("train_samples", t.trainLoader.NumSamples()),
		zap.String("device", device.String()))

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if ctx.Err() != nil {
			t.interrupted(epoch)
			return h, nil
		}

		h.setState(StateEpochRunning)
		start := time.Now()

		stats, err := t.runEpoch(ctx, epoch)
		if err != nil {
			if isInterrupt(err) {
				t.interrupted(epoch)
				return h, nil
			}
			h.setState(StateStopped)
			return h, fmt.Errorf("epoch %d failed: %w", epoch+1, err)
		}

		lr := t.optimizer.GetLR()
		if t.scheduler != nil {
			if next := t.scheduler.Step(stats.LossVal, lr); next != lr {
				t.logger.Info("Learning rate changed", zap.Float64("from", lr), zap.Float64("to", next))
				t.optimizer.SetLR(next)
			}
		}
		stats.LearningRates = learningRates(t.optimizer)
		stats.Elapsed = time.Since(start)

		h.append(stats)
		h.setState(StateEpochDone)
		t.sink.OnEpoch(stats)

		for _, hook := range t.hooks {
			if err := hook(ctx, stats); err != nil {
				h.setState(StateStopped)
				return h, fmt.Errorf("epoch hook failed: %w", err)
			}
		}

		if t.stop(StopInfo{
			LossTrain:     stats.LossTrain,
			LossVal:       stats.LossVal,
			Epoch:         epoch,
			LearningRates: stats.LearningRates,
		}) {
			h.stopped(StopReasonPredicate)
			t.logger.Info("Training stopped", zap.Int("epoch", epoch+1))
			return h, nil
		}
	}

	h.setState(StateCompleted)
	t.logger.Info("Training completed", zap.Int("epochs", h.Len()))
	return h, nil
}

func (t *Trainer) interrupted(epoch int) {
	t.history.stopped(StopReasonInterrupted)
	t.logger.Warn("Training interrupted", zap.Int("epoch", epoch+1), zap.Int("finished_epochs", t.history.Len()))
}

// prepareLoaders builds the shuffled train loader and the ordered validation
// loader from the datasets of this run unless loaders were supplied
func (t *Trainer) prepareLoaders(trainSet, valSet Dataset) error {
	if !t.supplied {
		if trainSet == nil {
			return fmt.Errorf("no training dataset")
		}
		t.trainLoader = NewDataLoader(trainSet, LoaderConfig{
			BatchSize: t.config.BatchSize,
			Shuffle:   true,
			Workers:   t.config.Workers,
			Prefetch:  t.config.Prefetch,
			Seed:      t.config.Seed,
		})
		t.valLoader = nil
		if valSet != nil {
			t.valLoader = NewDataLoader(valSet, LoaderConfig{
				BatchSize: t.config.BatchSize,
				Workers:   t.config.Workers,
			})
		}
	}
	if t.trainLoader == nil {
		return fmt.Errorf("no training loader")
	}

	t.trainLoader.Reset()
	if t.trainLoader.NumSamples() == 0 {
		return fmt.Errorf("training dataset is empty")
	}
	return nil
}

// runEpoch runs one train pass and one validation pass. Without a validation
// set the train loss stands in for the validation loss.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch}

	loss, samples, batches, err := t.runPass(ctx, epoch, t.trainLoader, PhaseTrain)
	if err != nil {
		return stats, err
	}
	stats.LossTrain, stats.SamplesTrain, stats.BatchesTrain = loss, samples, batches

	if t.valLoader == nil {
		stats.LossVal = stats.LossTrain
		return stats, nil
	}

	loss, samples, batches, err = t.runPass(ctx, epoch, t.valLoader, PhaseValidation)
	if err != nil {
		return stats, err
	}
	stats.LossVal, stats.SamplesVal, stats.BatchesVal = loss, samples, batches
	return stats, nil
}

// step runs one batch and returns its loss value. The batch is released
// whether or not the step succeeds.
func (t *Trainer) step(batch *Batch, train bool) (float64, error) {
	defer batch.Release()

	if train {
		t.optimizer.ZeroGrad()
	}

	output, err := t.model.Forward(batch.Inputs...)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, err := t.criterion.Forward(output, batch.Labels)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}

	lossValue, err := loss.Item()
	if err != nil {
		return 0, fmt.Errorf("failed to get loss value: %w", err)
	}

	if train {
		if err := loss.Backward(); err != nil {
			return 0, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %w", err)
		}
	}
	return lossValue, nil
}

// runPass iterates loader once. In the train phase every batch goes through
// zero_grad, forward, loss, backward and an optimizer step; the validation
// phase only runs forward and loss in eval mode.
func (t *Trainer) runPass(ctx context.Context, epoch int, loader *DataLoader, phase Phase) (float64, int, int, error) {
	train := phase == PhaseTrain
	if train {
		t.model.Train()
	} else {
		t.model.Eval()
		defer t.model.Train()
	}

	loader.Reset()
	numBatches := loader.Len()
	start := time.Now()

	var totalLoss, lastLoss float64
	var totalSamples, iterations int

	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, err
		}

		batch, err := loader.Next(ctx)
		if err != nil {
			return 0, 0, 0, err
		}
		if batch == nil {
			break
		}

		size := batch.Size()
		lossValue, err := t.step(batch, train)
		if err != nil {
			return 0, 0, 0, err
		}

		iterations++
		totalSamples += size
		totalLoss += lossValue
		lastLoss = lossValue

		t.sink.OnBatch(BatchProgress{
			Phase:   phase,
			Epoch:   epoch,
			Epochs:  t.config.Epochs,
			Batch:   iterations,
			Batches: numBatches,
			Samples: totalSamples,
			Loss:    lossValue,
			Elapsed: time.Since(start),
		})
	}

	if iterations == 0 {
		return 0, 0, 0, nil
	}

	var reduced float64
	switch t.config.Reduction {
	case ReductionSum:
		reduced = totalLoss / float64(totalSamples)
	case ReductionLast:
		reduced = lastLoss
	default:
		reduced = totalLoss / float64(iterations)
	}
	return reduced, totalSamples, iterations, nil
}
