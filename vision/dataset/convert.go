package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/vision/preprocessing"
)

// Split kinds assigned to records by ConvertFolderDatabase.
const (
	SplitTrainTest = "train_test"
	KindTrain      = "train"
	KindTest       = "test"
)

const (
	// DefaultTrainK is the share of records sent to the train split.
	DefaultTrainK = 0.95

	defaultFlushEvery = 10
)

// ConvertContext is passed to a ConvertFunc for every source record.
type ConvertContext struct {
	Record catalog.Record
	Src    *catalog.Catalog
	Dest   *catalog.Catalog
	// Kind is "train" or "test" for a train/test split, empty otherwise.
	Kind string
}

// ConvertFunc writes a converted record into the destination catalog.
type ConvertFunc func(ctx context.Context, c ConvertContext) error

// ConvertOptions configures ConvertFolderDatabase.
type ConvertOptions struct {
	// Split is SplitTrainTest or empty for no split.
	Split string
	// TrainK is the train share; values <= 0 use DefaultTrainK.
	TrainK float64
	Seed   int64
	// FlushEvery is the number of records between destination flushes.
	FlushEvery int
	Convert    ConvertFunc
	Logger     *zap.Logger
}

// ConvertSummary counts converted records per kind.
type ConvertSummary struct {
	Total int
	Kinds map[string]int
}

// ConvertFolderDatabase walks layer 0 of the catalog at srcPath in insertion
// order and hands every record to opts.Convert together with a fresh
// catalog created at destPath.
func ConvertFolderDatabase(ctx context.Context, srcPath, destPath string, opts ConvertOptions) (*ConvertSummary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	trainK := opts.TrainK
	if trainK <= 0 {
		trainK = DefaultTrainK
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}

	src := catalog.New(srcPath, logger)
	if err := src.Open(ctx, true); err != nil {
		return nil, err
	}
	defer src.Close()

	dest := catalog.New(destPath, logger)
	if err := dest.Create(ctx); err != nil {
		return nil, err
	}
	defer dest.Close()

	rng := rand.New(rand.NewSource(opts.Seed))
	summary := &ConvertSummary{Kinds: make(map[string]int)}

	count := src.LayerCount(0)
	for index := 0; index < count; index++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		rec, ok := src.GetRecordByIndex(index, 0)
		if !ok {
			continue
		}

		kind := ""
		if opts.Split == SplitTrainTest {
			if rng.Float64() > trainK {
				kind = KindTest
			} else {
				kind = KindTrain
			}
		}

		if opts.Convert != nil {
			err := opts.Convert(ctx, ConvertContext{Record: rec, Src: src, Dest: dest, Kind: kind})
			if err != nil {
				return summary, fmt.Errorf("failed to convert %s: %w", rec.FileName, err)
			}
		}
		summary.Total++
		summary.Kinds[kind]++

		if index%flushEvery == 0 {
			logger.Debug("Convert progress", zap.Int("done", index), zap.Int("total", count))
			if err := dest.Flush(ctx); err != nil {
				return summary, err
			}
		}
	}

	if err := dest.Flush(ctx); err != nil {
		return summary, err
	}

	logger.Info("Conversion finished", zap.Int("records", summary.Total), zap.Any("kinds", summary.Kinds))
	return summary, nil
}

// layerFor maps a split kind to a destination layer.
func layerFor(kind string, trainLayer, testLayer int) int {
	if kind == KindTest {
		return testLayer
	}
	return trainLayer
}

// CopyRecordConverter copies content files into the destination catalog.
// Train and unsplit records go to trainLayer, test records to testLayer. The
// source file name is kept in FileIndex.
func CopyRecordConverter(trainLayer, testLayer int) ConvertFunc {
	return func(ctx context.Context, c ConvertContext) error {
		data, ext, err := readRaw(c.Src, c.Record)
		if err != nil {
			return err
		}

		_, err = c.Dest.SaveFile(ctx, data, ext, catalog.Record{
			Layer:     layerFor(c.Kind, trainLayer, testLayer),
			Type:      c.Record.Type,
			FileIndex: c.Record.FileName,
			Answer:    c.Record.Answer,
			Width:     c.Record.Width,
			Height:    c.Record.Height,
			Info:      c.Record.Info,
		})
		return err
	}
}

// ImageTensorConverter decodes image records and stores them as tensor
// files, so training does not pay for image decoding.
func ImageTensorConverter(processor *preprocessing.ImageProcessor, trainLayer, testLayer int) ConvertFunc {
	return func(ctx context.Context, c ConvertContext) error {
		img, err := processor.DecodeFile(c.Src.FilePath(c.Record.FileName))
		if err != nil {
			return err
		}
		x, err := img.Tensor()
		if err != nil {
			return err
		}

		_, err = c.Dest.SaveFile(ctx, x, "", catalog.Record{
			Layer:     layerFor(c.Kind, trainLayer, testLayer),
			FileIndex: c.Record.FileName,
			Answer:    c.Record.Answer,
			Width:     img.Width,
			Height:    img.Height,
			Info:      c.Record.Info,
		})
		return err
	}
}
