package training

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/tinyai/memory"
	"github.com/tsawler/tinyai/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// MultiInputDataset is implemented by datasets whose samples have several
// input tensors. The DataLoader prefers it over Get when available.
type MultiInputDataset interface {
	Dataset
	GetInputs(idx int) (inputs []*tensor.Tensor, label *tensor.Tensor, err error)
}

// Batch represents a batch of inputs and labels stacked along dimension 0
type Batch struct {
	Inputs []*tensor.Tensor
	Labels *tensor.Tensor

	buffers *memory.Manager
}

// Release hands the batch data back to the loader buffers. The batch tensors
// must not be read afterwards. Calling Release is optional.
func (b *Batch) Release() {
	if b == nil || b.buffers == nil {
		return
	}
	for _, t := range b.Inputs {
		if t != nil {
			b.buffers.Put(t.Data)
		}
	}
	if b.Labels != nil {
		b.buffers.Put(b.Labels.Data)
	}
	b.buffers = nil
}

// Size returns the number of samples in the batch, counted on the first
// input component.
func (b *Batch) Size() int {
	if b == nil || len(b.Inputs) == 0 || b.Inputs[0] == nil || len(b.Inputs[0].Shape) == 0 {
		return 0
	}
	return b.Inputs[0].Shape[0]
}

// LoaderConfig holds configuration for a DataLoader
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Workers   int // Parallel sample decoders per batch
	Prefetch  int // Batches loaded ahead in the background, 0 loads on demand
	Seed      int64
	// Buffers backs the batched tensors; nil uses memory.Global().
	Buffers *memory.Manager
}

// DataLoader provides batching and shuffling over a Dataset. Batches are
// produced on request, or by a background pipeline when Prefetch is set.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	prefetch   int
	pipeline   *pipeline
	buffers    *memory.Manager
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, cfg LoaderConfig) *DataLoader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffers == nil {
		cfg.Buffers = memory.Global()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  cfg.BatchSize,
		shuffle:    cfg.Shuffle,
		numWorkers: cfg.Workers,
		prefetch:   cfg.Prefetch,
		buffers:    cfg.Buffers,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		indices:    indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples in an epoch
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.stopPipeline()

	// Pick up samples appended to the dataset since the last epoch.
	if n := dl.dataset.Len(); n != len(dl.indices) {
		dl.indices = dl.indices[:0]
		for i := 0; i < n; i++ {
			dl.indices = append(dl.indices, i)
		}
	}

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if dl.prefetch > 0 {
		return dl.nextPrefetched(ctx)
	}

	dl.mutex.Lock()
	if dl.position >= len(dl.indices) {
		dl.mutex.Unlock()
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:batchEnd]...)
	dl.position = batchEnd
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(ctx, batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// Close stops the background pipeline. The loader stays usable; the next
// call to Next after a Reset starts a new pipeline.
func (dl *DataLoader) Close() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.stopPipeline()
}

type loaded struct {
	batch *Batch
	size  int
	err   error
}

// pipeline loads the rest of an epoch in a background goroutine
type pipeline struct {
	results chan loaded
	cancel  context.CancelFunc
}

func (dl *DataLoader) nextPrefetched(ctx context.Context) (*Batch, error) {
	dl.mutex.Lock()
	if dl.pipeline == nil {
		if dl.position >= len(dl.indices) {
			dl.mutex.Unlock()
			return nil, nil
		}
		dl.pipeline = dl.startPipeline()
	}
	p := dl.pipeline
	dl.mutex.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-p.results:
		if !ok {
			return nil, nil
		}
		dl.mutex.Lock()
		dl.position += r.size
		dl.mutex.Unlock()
		if r.err != nil {
			return nil, fmt.Errorf("failed to load batch: %w", r.err)
		}
		return r.batch, nil
	}
}

// startPipeline plans the remaining batches of the epoch and loads them
// ahead of the consumer. Called with dl.mutex held.
func (dl *DataLoader) startPipeline() *pipeline {
	var plan [][]int
	for start := dl.position; start < len(dl.indices); start += dl.batchSize {
		end := min(start+dl.batchSize, len(dl.indices))
		plan = append(plan, append([]int(nil), dl.indices[start:end]...))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		results: make(chan loaded, dl.prefetch),
		cancel:  cancel,
	}

	go func() {
		defer close(p.results)
		for _, indices := range plan {
			batch, err := dl.loadBatch(ctx, indices)
			select {
			case p.results <- loaded{batch: batch, size: len(indices), err: err}:
			case <-ctx.Done():
				batch.Release()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// stopPipeline cancels the producer and releases the batches it already
// loaded. Called with dl.mutex held.
func (dl *DataLoader) stopPipeline() {
	if dl.pipeline == nil {
		return
	}
	dl.pipeline.cancel()
	for r := range dl.pipeline.results {
		r.batch.Release()
	}
	dl.pipeline = nil
}

type sample struct {
	inputs []*tensor.Tensor
	label  *tensor.Tensor
}

func (dl *DataLoader) getSample(idx int) (sample, error) {
	if md, ok := dl.dataset.(MultiInputDataset); ok {
		inputs, label, err := md.GetInputs(idx)
		return sample{inputs: inputs, label: label}, err
	}
	data, label, err := dl.dataset.Get(idx)
	return sample{inputs: []*tensor.Tensor{data}, label: label}, err
}

// loadBatch decodes the samples of one batch, in parallel when configured,
// and stacks them into batched tensors
func (dl *DataLoader) loadBatch(ctx context.Context, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	samples := make([]sample, len(indices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := dl.getSample(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	numInputs := len(samples[0].inputs)
	batch := &Batch{Inputs: make([]*tensor.Tensor, numInputs), buffers: dl.buffers}

	for k := 0; k < numInputs; k++ {
		parts := make([]*tensor.Tensor, len(samples))
		for i, s := range samples {
			if len(s.inputs) != numInputs {
				batch.Release()
				return nil, fmt.Errorf("sample %d has %d inputs, expected %d", indices[i], len(s.inputs), numInputs)
			}
			parts[i] = s.inputs[k]
		}
		stacked, err := dl.stack(parts)
		if err != nil {
			batch.Release()
			return nil, fmt.Errorf("failed to stack input %d: %w", k, err)
		}
		batch.Inputs[k] = stacked
	}

	labels := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		labels[i] = s.label
	}
	stacked, err := dl.stack(labels)
	if err != nil {
		batch.Release()
		return nil, fmt.Errorf("failed to stack labels: %w", err)
	}
	batch.Labels = stacked

	return batch, nil
}

// stack copies same-shaped tensors into one pooled buffer along a new leading
// dimension
func (dl *DataLoader) stack(parts []*tensor.Tensor) (*tensor.Tensor, error) {
	first := parts[0]
	if first == nil {
		return nil, fmt.Errorf("missing tensor at index 0")
	}
	shape := append([]int{len(parts)}, first.Shape...)
	data := dl.buffers.Get(len(parts) * first.NumElems)

	for i, t := range parts {
		if t == nil || !slices.Equal(t.Shape, first.Shape) {
			dl.buffers.Put(data)
			if t == nil {
				return nil, fmt.Errorf("missing tensor at index %d", i)
			}
			return nil, fmt.Errorf("shape mismatch at index %d: %v vs %v", i, t.Shape, first.Shape)
		}
		copy(data[i*first.NumElems:], t.Data[:t.NumElems])
	}

	stacked, err := tensor.NewTensor(shape, data)
	if err != nil {
		dl.buffers.Put(data)
		return nil, err
	}
	return stacked, nil
}

// SimpleDataset provides a basic in-memory implementation of Dataset
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}

	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}

	return ds.data[idx], ds.labels[idx], nil
}
