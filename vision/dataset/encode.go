package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/vision/preprocessing"
)

// Encoder converts a record answer into a target tensor.
type Encoder func(answer string) (*tensor.Tensor, error)

// LabelEncoder one-hot encodes answers by their position in labels. Unknown
// answers encode to all zeros.
func LabelEncoder(labels map[string]int) Encoder {
	n := len(labels)
	return func(answer string) (*tensor.Tensor, error) {
		data := make([]float32, n)
		if i, ok := labels[answer]; ok {
			if i < 0 || i >= n {
				return nil, fmt.Errorf("label %q has index %d outside [0, %d)", answer, i, n)
			}
			data[i] = 1
		}
		return tensor.NewTensor([]int{n}, data)
	}
}

// OneHot returns an encoder of class indices into vectors of numClasses.
func OneHot(numClasses int) func(index int) (*tensor.Tensor, error) {
	return func(index int) (*tensor.Tensor, error) {
		if index < 0 || index >= numClasses {
			return nil, fmt.Errorf("class %d outside [0, %d)", index, numClasses)
		}
		data := make([]float32, numClasses)
		data[index] = 1
		return tensor.NewTensor([]int{numClasses}, data)
	}
}

// DictionaryEncoder maps up to maxWords words to their dictionary indices.
// Index 0 stands for padding and unknown words.
func DictionaryEncoder(dictionary map[string]int, maxWords int) func(words []string) *tensor.Tensor {
	return func(words []string) *tensor.Tensor {
		data := make([]float32, maxWords)
		for i := 0; i < len(words) && i < maxWords; i++ {
			data[i] = float32(dictionary[words[i]])
		}
		return tensor.MustNew([]int{maxWords}, data)
	}
}

// MakeIndex maps every value to its position in values.
func MakeIndex(values []string) map[string]int {
	index := make(map[string]int, len(values))
	for i, v := range values {
		index[v] = i
	}
	return index
}

// ImageClassDecoder decodes image records into CHW tensors with answers
// encoded by encode.
func ImageClassDecoder(processor *preprocessing.ImageProcessor, encode Encoder) DecodeFunc {
	return func(db *catalog.Catalog, index, layer int) (*tensor.Tensor, *tensor.Tensor, error) {
		rec, ok := db.GetRecordByIndex(index, layer)
		if !ok {
			return nil, nil, ErrIndexOutOfRange
		}

		img, err := processor.DecodeFile(db.FilePath(rec.FileName))
		if err != nil {
			return nil, nil, err
		}
		x, err := img.Tensor()
		if err != nil {
			return nil, nil, err
		}

		y, err := encode(rec.Answer)
		if err != nil {
			return nil, nil, err
		}
		return x, y, nil
	}
}

// TensorDecoder reads records stored as tensor files.
func TensorDecoder(encode Encoder) DecodeFunc {
	return func(db *catalog.Catalog, index, layer int) (*tensor.Tensor, *tensor.Tensor, error) {
		rec, ok := db.GetRecordByIndex(index, layer)
		if !ok {
			return nil, nil, ErrIndexOutOfRange
		}

		x, err := tensor.ReadFile(db.FilePath(rec.FileName))
		if err != nil {
			return nil, nil, err
		}

		y, err := encode(rec.Answer)
		if err != nil {
			return nil, nil, err
		}
		return x, y, nil
	}
}

// readRaw returns the bytes and extension of a record's content file.
func readRaw(db *catalog.Catalog, rec catalog.Record) ([]byte, string, error) {
	data, err := os.ReadFile(db.FilePath(rec.FileName))
	if err != nil {
		return nil, "", err
	}
	ext := strings.TrimPrefix(filepath.Ext(rec.FileName), ".")
	if ext == "" {
		ext = "bin"
	}
	return data, ext, nil
}
