package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/tinyai/tensor"
)

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset creates a new SubsetDataset that wraps an existing dataset
// and limits the number of samples it exposes.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns a sample at the given index from the original dataset.
func (sd *SubsetDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}

// IndexedDataset exposes the samples of a dataset selected by indices.
type IndexedDataset struct {
	originalDataset Dataset
	indices         []int
}

// Len returns the number of selected samples.
func (d *IndexedDataset) Len() int {
	return len(d.indices)
}

// Get returns the idx-th selected sample.
func (d *IndexedDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.indices) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.indices))
	}
	return d.originalDataset.Get(d.indices[idx])
}

// SplitDataset randomly partitions ds into two datasets holding round(n*(1-k))
// and round(n*k) samples.
func SplitDataset(ds Dataset, k float64, seed int64) (*IndexedDataset, *IndexedDataset, error) {
	if k < 0 || k > 1 {
		return nil, nil, fmt.Errorf("split ratio %v outside [0, 1]", k)
	}

	n := ds.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	second := int(math.Round(float64(n) * k))

	return &IndexedDataset{originalDataset: ds, indices: perm[:n-second]},
		&IndexedDataset{originalDataset: ds, indices: perm[n-second:]},
		nil
}
