package training

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/tinyai/layers"
	"github.com/tsawler/tinyai/memory"
	"github.com/tsawler/tinyai/optimizer"
	"github.com/tsawler/tinyai/tensor"
)

// scaleModel computes x*w for inputs of shape [N, 1] and records the mode
// it was in for every forward call
type scaleModel struct {
	w        *tensor.Tensor
	training bool
	modes    []bool
}

func newScaleModel() *scaleModel {
	w := tensor.MustNew([]int{1, 1}, []float32{1})
	w.SetRequiresGrad(true)
	return &scaleModel{w: w, training: true}
}

func (m *scaleModel) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	m.modes = append(m.modes, m.training)
	return tensor.MatMul(inputs[0], m.w)
}

func (m *scaleModel) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w} }
func (m *scaleModel) Train()                       { m.training = true }
func (m *scaleModel) Eval()                        { m.training = false }
func (m *scaleModel) IsTraining() bool             { return m.training }

// countingOptimizer only counts calls
type countingOptimizer struct {
	lr        float64
	steps     int
	zeroGrads int
}

func (o *countingOptimizer) Step() error      { o.steps++; return nil }
func (o *countingOptimizer) ZeroGrad()        { o.zeroGrads++ }
func (o *countingOptimizer) GetLR() float64   { return o.lr }
func (o *countingOptimizer) SetLR(lr float64) { o.lr = lr }

// zeroGradOp passes a zero gradient back to the prediction
type zeroGradOp struct {
	predicted *tensor.Tensor
}

func (op *zeroGradOp) Inputs() []*tensor.Tensor { return []*tensor.Tensor{op.predicted} }

func (op *zeroGradOp) Backward(*tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{tensor.MustNew(op.predicted.Shape, make([]float32, op.predicted.NumElems))}, nil
}

// scriptedLoss returns the given values in order, repeating the last one
type scriptedLoss struct {
	values []float64
	calls  int
}

func (l *scriptedLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	i := l.calls
	if i >= len(l.values) {
		i = len(l.values) - 1
	}
	l.calls++
	out := tensor.FromScalar(l.values[i])
	out.SetCreator(&zeroGradOp{predicted: predicted})
	return out, nil
}

func (l *scriptedLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MustNew(predicted.Shape, make([]float32, predicted.NumElems)), nil
}

func newDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	data := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		data[i] = tensor.MustNew([]int{1}, []float32{float32(i)})
		labels[i] = tensor.MustNew([]int{1}, []float32{float32(2 * i)})
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func never(StopInfo) bool  { return false }
func always(StopInfo) bool { return true }

func testConfig(epochs int) TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.Epochs = epochs
	cfg.BatchSize = 4
	return cfg
}

func TestTrainImmediateStop(t *testing.T) {
	opt := &countingOptimizer{lr: 0.1}
	trainer := NewTrainer(newScaleModel(), opt, &scriptedLoss{values: []float64{1}}, testConfig(10),
		WithStopPredicate(always))

	h, err := trainer.Train(context.Background(), newDataset(t, 10), newDataset(t, 4))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if h.Len() != 1 {
		t.Errorf("Expected exactly 1 epoch, got %d", h.Len())
	}
	if h.CurrentState() != StateStopped || trainer.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", h.CurrentState())
	}
	if h.StopReason != "stop predicate" {
		t.Errorf("Unexpected stop reason %q", h.StopReason)
	}
	if opt.steps != 3 {
		t.Errorf("Expected 3 optimizer steps, got %d", opt.steps)
	}
}

func TestTrainZeroEpochs(t *testing.T) {
	opt := &countingOptimizer{lr: 0.1}
	model := newScaleModel()
	trainer := NewTrainer(model, opt, &scriptedLoss{values: []float64{1}}, testConfig(0))

	h, err := trainer.Train(context.Background(), newDataset(t, 10), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if h.CurrentState() != StateCompleted {
		t.Errorf("Expected completed, got %s", h.CurrentState())
	}
	if h.Len() != 0 || opt.steps != 0 || len(model.modes) != 0 {
		t.Errorf("Zero epochs must not do any work: %d epochs, %d steps, %d forwards", h.Len(), opt.steps, len(model.modes))
	}
}

func TestTrainCompletes(t *testing.T) {
	opt := &countingOptimizer{lr: 0.1}
	model := newScaleModel()
	var hookEpochs []int
	trainer := NewTrainer(model, opt, &scriptedLoss{values: []float64{1}}, testConfig(3),
		WithStopPredicate(never),
		WithEpochHook(func(_ context.Context, stats EpochStats) error {
			hookEpochs = append(hookEpochs, stats.Epoch)
			return nil
		}))

	h, err := trainer.Train(context.Background(), newDataset(t, 10), newDataset(t, 5))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if h.CurrentState() != StateCompleted {
		t.Errorf("Expected completed, got %s", h.CurrentState())
	}
	if h.Len() != 3 {
		t.Fatalf("Expected 3 epochs, got %d", h.Len())
	}
	if len(hookEpochs) != 3 || hookEpochs[2] != 2 {
		t.Errorf("Epoch hook calls: %v", hookEpochs)
	}

	for i, stats := range h.Snapshot() {
		if stats.Epoch != i {
			t.Errorf("Epoch %d recorded as %d", i, stats.Epoch)
		}
		if stats.SamplesTrain != 10 || stats.BatchesTrain != 3 {
			t.Errorf("Epoch %d: train %d samples in %d batches", i, stats.SamplesTrain, stats.BatchesTrain)
		}
		if stats.SamplesVal != 5 || stats.BatchesVal != 2 {
			t.Errorf("Epoch %d: validation %d samples in %d batches", i, stats.SamplesVal, stats.BatchesVal)
		}
		if len(stats.LearningRates) != 1 || stats.LearningRates[0] != 0.1 {
			t.Errorf("Epoch %d: learning rates %v", i, stats.LearningRates)
		}
	}

	// Only train batches step the optimizer
	if opt.steps != 9 || opt.zeroGrads != 9 {
		t.Errorf("Expected 9 steps and zero_grads, got %d and %d", opt.steps, opt.zeroGrads)
	}

	// Every epoch: 3 train forwards in train mode, then 2 validation
	// forwards in eval mode
	if len(model.modes) != 15 {
		t.Fatalf("Expected 15 forward calls, got %d", len(model.modes))
	}
	for i, training := range model.modes {
		if want := i%5 < 3; training != want {
			t.Errorf("Forward %d: training=%t, want %t", i, training, want)
		}
	}
	if !model.IsTraining() {
		t.Error("Model should be back in training mode")
	}
}

func TestTrainReductions(t *testing.T) {
	// 10 samples in batches of 4, 4 and 2 with losses 1, 2 and 3
	tests := []struct {
		reduction string
		want      float64
	}{
		{ReductionMean, 2},
		{ReductionSum, 0.6},
		{ReductionLast, 3},
	}

	for _, tt := range tests {
		t.Run(tt.reduction, func(t *testing.T) {
			cfg := testConfig(1)
			cfg.Reduction = tt.reduction
			trainer := NewTrainer(newScaleModel(), &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1, 2, 3}}, cfg,
				WithStopPredicate(never))

			h, err := trainer.Train(context.Background(), newDataset(t, 10), nil)
			if err != nil {
				t.Fatal(err)
			}
			stats, ok := h.Last()
			if !ok {
				t.Fatal("No epoch recorded")
			}
			if diff := stats.LossTrain - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Expected train loss %f, got %f", tt.want, stats.LossTrain)
			}
			// Without a validation set the train loss stands in
			if stats.LossVal != stats.LossTrain {
				t.Errorf("Expected validation loss %f, got %f", stats.LossTrain, stats.LossVal)
			}
		})
	}
}

// cancelSink cancels the run on the first batch of the given epoch
type cancelSink struct {
	NopSink
	epoch  int
	cancel context.CancelFunc
}

func (s *cancelSink) OnBatch(p BatchProgress) {
	if p.Epoch == s.epoch {
		s.cancel()
	}
}

func TestTrainInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trainer := NewTrainer(newScaleModel(), &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1}}, testConfig(5),
		WithStopPredicate(never),
		WithProgressSink(&cancelSink{epoch: 1, cancel: cancel}))

	h, err := trainer.Train(ctx, newDataset(t, 10), nil)
	if err != nil {
		t.Fatalf("Interrupt should not be an error: %v", err)
	}
	if h.CurrentState() != StateStopped {
		t.Errorf("Expected stopped, got %s", h.CurrentState())
	}
	if h.StopReason != "interrupted" {
		t.Errorf("Unexpected stop reason %q", h.StopReason)
	}
	// The unfinished second epoch is discarded
	if h.Len() != 1 {
		t.Errorf("Expected 1 finished epoch, got %d", h.Len())
	}
}

func TestTrainCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trainer := NewTrainer(newScaleModel(), &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1}}, testConfig(5))
	h, err := trainer.Train(ctx, newDataset(t, 10), nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.CurrentState() != StateStopped || h.Len() != 0 {
		t.Errorf("Expected stopped with no epochs, got %s with %d", h.CurrentState(), h.Len())
	}
}

func TestTrainErrors(t *testing.T) {
	loss := &scriptedLoss{values: []float64{1}}

	t.Run("invalid config", func(t *testing.T) {
		for _, cfg := range []TrainConfig{{Epochs: -1}, {Epochs: 1, Reduction: "avg"}, {Epochs: 1, MinLR: -1}} {
			trainer := NewTrainer(newScaleModel(), &countingOptimizer{}, loss, cfg)
			if _, err := trainer.Train(context.Background(), newDataset(t, 4), nil); err == nil {
				t.Errorf("Expected error for %+v", cfg)
			}
		}
	})

	t.Run("no dataset", func(t *testing.T) {
		trainer := NewTrainer(newScaleModel(), &countingOptimizer{}, loss, testConfig(1))
		if _, err := trainer.Train(context.Background(), nil, nil); err == nil {
			t.Error("Expected error without a dataset")
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		trainer := NewTrainer(newScaleModel(), &countingOptimizer{}, loss, testConfig(1))
		_, err := trainer.Train(context.Background(), newDataset(t, 0), nil)
		if err == nil || !strings.Contains(err.Error(), "empty") {
			t.Errorf("Expected empty dataset error, got %v", err)
		}
	})

	t.Run("unsupported device", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.Device = "gpu"
		trainer := NewTrainer(newScaleModel(), &countingOptimizer{}, loss, cfg)
		if _, err := trainer.Train(context.Background(), newDataset(t, 4), nil); err == nil {
			t.Error("Expected error for gpu device")
		}
	})

	t.Run("hook failure", func(t *testing.T) {
		hookErr := errors.New("disk full")
		trainer := NewTrainer(newScaleModel(), &countingOptimizer{}, loss, testConfig(3),
			WithStopPredicate(never),
			WithEpochHook(func(context.Context, EpochStats) error { return hookErr }))
		h, err := trainer.Train(context.Background(), newDataset(t, 4), nil)
		if !errors.Is(err, hookErr) {
			t.Errorf("Expected hook error, got %v", err)
		}
		if h.CurrentState() != StateStopped || h.Len() != 1 {
			t.Errorf("Expected stopped after 1 epoch, got %s with %d", h.CurrentState(), h.Len())
		}
	})
}

func TestDefaultStopPredicate(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.MinLR = 1e-4
	stop := DefaultStopPredicate(cfg)

	tests := []struct {
		name string
		info StopInfo
		want bool
	}{
		{"low loss too early", StopInfo{LossVal: 0.01, Epoch: 3, LearningRates: []float64{0.1}}, false},
		{"low loss after min epochs", StopInfo{LossVal: 0.01, Epoch: 4, LearningRates: []float64{0.1}}, true},
		{"loss at threshold", StopInfo{LossVal: 0.015, Epoch: 9, LearningRates: []float64{0.1}}, false},
		{"high loss", StopInfo{LossVal: 0.5, Epoch: 20, LearningRates: []float64{0.1}}, false},
		{"learning rate below min", StopInfo{LossVal: 0.5, Epoch: 0, LearningRates: []float64{0.1, 1e-5}}, true},
		{"learning rate at min", StopInfo{LossVal: 0.5, Epoch: 0, LearningRates: []float64{1e-4}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stop(tt.info); got != tt.want {
				t.Errorf("stop(%+v) = %t, want %t", tt.info, got, tt.want)
			}
		})
	}

	// MinLR of zero disables the learning rate rule
	if DefaultStopPredicate(DefaultTrainConfig())(StopInfo{LossVal: 1, LearningRates: []float64{0}}) {
		t.Error("Learning rate rule should be disabled without MinLR")
	}
}

func TestTrainWithScheduler(t *testing.T) {
	cfg := testConfig(10)
	cfg.MinLR = 0.3
	opt := &countingOptimizer{lr: 1}
	trainer := NewTrainer(newScaleModel(), opt, &scriptedLoss{values: []float64{1}}, cfg,
		WithScheduler(NewEpochScheduler(NewStepLRScheduler(1, 0.5))))

	h, err := trainer.Train(context.Background(), newDataset(t, 4), nil)
	if err != nil {
		t.Fatal(err)
	}

	// 1 -> 0.5 -> 0.25, which is below MinLR
	epochs := h.Snapshot()
	if len(epochs) != 2 {
		t.Fatalf("Expected 2 epochs, got %d", len(epochs))
	}
	if epochs[0].LearningRates[0] != 0.5 || epochs[1].LearningRates[0] != 0.25 {
		t.Errorf("Unexpected learning rates %v, %v", epochs[0].LearningRates, epochs[1].LearningRates)
	}
	if h.CurrentState() != StateStopped {
		t.Errorf("Expected stopped, got %s", h.CurrentState())
	}
	if opt.lr != 0.25 {
		t.Errorf("Optimizer learning rate not updated: %f", opt.lr)
	}
}

func TestTrainWithLoaders(t *testing.T) {
	train := NewDataLoader(newDataset(t, 6), LoaderConfig{BatchSize: 3})
	trainer := NewTrainer(newScaleModel(), &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1}}, testConfig(1),
		WithLoaders(train, nil), WithStopPredicate(never))

	h, err := trainer.Train(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats, _ := h.Last(); stats.BatchesTrain != 2 {
		t.Errorf("Expected the supplied loader's 2 batches, got %d", stats.BatchesTrain)
	}
}

func TestTrainReusedTrainer(t *testing.T) {
	trainer := NewTrainer(newScaleModel(), &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1}}, testConfig(1),
		WithStopPredicate(never))

	h, err := trainer.Train(context.Background(), newDataset(t, 8), nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats, _ := h.Last(); stats.SamplesTrain != 8 || stats.SamplesVal != 0 {
		t.Errorf("First run: expected 8/0 samples, got %d/%d", stats.SamplesTrain, stats.SamplesVal)
	}

	h, err = trainer.Train(context.Background(), newDataset(t, 40), newDataset(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	if stats, _ := h.Last(); stats.SamplesTrain != 40 || stats.SamplesVal != 4 {
		t.Errorf("Second run: expected 40/4 samples, got %d/%d", stats.SamplesTrain, stats.SamplesVal)
	}

	h, err = trainer.Train(context.Background(), newDataset(t, 4), nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats, _ := h.Last(); stats.SamplesTrain != 4 || stats.SamplesVal != 0 {
		t.Errorf("Third run: expected 4/0 samples, got %d/%d", stats.SamplesTrain, stats.SamplesVal)
	}
}

// brokenModel fails every forward pass
type brokenModel struct {
	*scaleModel
}

func (m brokenModel) Forward(...*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("broken")
}

func TestTrainFailureReleasesBatch(t *testing.T) {
	buffers := memory.NewManager()
	train := NewDataLoader(newDataset(t, 4), LoaderConfig{BatchSize: 4, Buffers: buffers})
	trainer := NewTrainer(brokenModel{newScaleModel()}, &countingOptimizer{lr: 0.1}, &scriptedLoss{values: []float64{1}}, testConfig(1),
		WithLoaders(train, nil), WithStopPredicate(never))

	if _, err := trainer.Train(context.Background(), nil, nil); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("Expected the forward error, got %v", err)
	}

	// inputs and labels of the failed batch are back in the pool
	if got := buffers.Stats()[1024]; !strings.HasPrefix(got, "available=2,") {
		t.Errorf("Expected 2 pooled buffers, got %q", got)
	}
}

// TestTrainLinearRegression fits y = 2x + 1 with the reference layers and
// optimizer and checks that the loss goes down.
func TestTrainLinearRegression(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := 32
	data := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		x := rng.Float32()*2 - 1
		data[i] = tensor.MustNew([]int{1}, []float32{x})
		labels[i] = tensor.MustNew([]int{1}, []float32{2*x + 1})
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatal(err)
	}

	linear, err := layers.NewLinear("fc", 1, 1, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	model := layers.NewSequential(linear)
	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 0.1, Momentum: 0.9}, model.Parameters())
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(30)
	cfg.BatchSize = 8
	trainer := NewTrainer(model, opt, NewMSELoss("mean"), cfg)

	h, err := trainer.Train(context.Background(), ds, nil)
	if err != nil {
		t.Fatal(err)
	}

	epochs := h.Snapshot()
	first, last := epochs[0], epochs[len(epochs)-1]
	if last.LossTrain >= first.LossTrain {
		t.Errorf("Loss did not decrease: %f -> %f", first.LossTrain, last.LossTrain)
	}
	if last.LossTrain > 0.05 {
		t.Errorf("Expected the fit to converge, final loss %f", last.LossTrain)
	}
	if CountParameters(model) != 2 {
		t.Errorf("Expected 2 parameters, got %d", CountParameters(model))
	}
}
