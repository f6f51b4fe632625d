// Package dataset presents catalog records as indexable (input, target)
// pairs and builds catalogs from image folders.
package dataset

import (
	"errors"
	"fmt"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/vision/dataloader"
)

// ErrIndexOutOfRange is returned by Get for indices outside [0, Length).
var ErrIndexOutOfRange = errors.New("index out of range")

// DecodeFunc turns the index-th record of layer into an (input, target) pair.
type DecodeFunc func(db *catalog.Catalog, index, layer int) (x, y *tensor.Tensor, err error)

// FolderDataset adapts a catalog to a randomly indexable dataset. Decoding
// is injected so one catalog can back different tasks.
type FolderDataset struct {
	db     *catalog.Catalog
	decode DecodeFunc
	cache  *dataloader.CacheManager
}

// Option configures a FolderDataset.
type Option func(*FolderDataset)

// WithCache keeps decoded samples in cm.
func WithCache(cm *dataloader.CacheManager) Option {
	return func(d *FolderDataset) {
		d.cache = cm
	}
}

// NewFolderDataset creates a dataset over db using decode.
func NewFolderDataset(db *catalog.Catalog, decode DecodeFunc, opts ...Option) *FolderDataset {
	d := &FolderDataset{db: db, decode: decode}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the backing catalog.
func (d *FolderDataset) Catalog() *catalog.Catalog {
	return d.db
}

// Length returns the number of records in layer.
func (d *FolderDataset) Length(layer int) int {
	return d.db.LayerCount(layer)
}

// Get decodes the index-th record of layer.
func (d *FolderDataset) Get(index, layer int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= d.Length(layer) {
		return nil, nil, fmt.Errorf("%w: %d not in [0, %d) for layer %d", ErrIndexOutOfRange, index, d.Length(layer), layer)
	}
	if d.decode == nil {
		return nil, nil, fmt.Errorf("dataset has no decode function")
	}

	var key string
	if d.cache != nil {
		key = dataloader.SampleKey(d.db.Folder(), layer, index)
		if s, ok := d.cache.Get(key); ok {
			return s.X, s.Y, nil
		}
	}

	x, y, err := d.decode(d.db, index, layer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode record %d of layer %d: %w", index, layer, err)
	}

	if d.cache != nil {
		d.cache.Put(key, dataloader.Sample{X: x, Y: y})
	}
	return x, y, nil
}

// Layer returns a view of one layer usable as a training dataset.
func (d *FolderDataset) Layer(layer int) *LayerDataset {
	return &LayerDataset{parent: d, layer: layer}
}

// LayerDataset is a single layer of a FolderDataset.
type LayerDataset struct {
	parent *FolderDataset
	layer  int
}

// Len returns the number of records in the layer.
func (l *LayerDataset) Len() int {
	return l.parent.Length(l.layer)
}

// Get returns the decoded pair at idx.
func (l *LayerDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	return l.parent.Get(idx, l.layer)
}

// LayerID returns the catalog layer the view reads.
func (l *LayerDataset) LayerID() int {
	return l.layer
}
