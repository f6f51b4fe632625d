package checkpoints

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/tinyai/tensor"
)

// Entries of a zip checkpoint
const (
	weightsEntry   = "weights.pb"
	optimizerEntry = "optimizer.pb"
	metaEntry      = "meta.json"
)

// Wire layout of weights.pb and optimizer.pb, a sequence of length
// delimited records:
//
//	message Record {
//	  string name   = 1;
//	  string group  = 2; // layer, or state type for optimizer tensors
//	  string kind   = 3;
//	  bytes  tensor = 4; // tensor wire encoding
//	}
const (
	fieldRecord protowire.Number = 1

	fieldName   protowire.Number = 1
	fieldGroup  protowire.Number = 2
	fieldKind   protowire.Number = 3
	fieldTensor protowire.Number = 4
)

type wireRecord struct {
	name, group, kind string
	tensor            *tensor.Tensor
}

func appendRecord(b []byte, r wireRecord) []byte {
	var m []byte
	m = protowire.AppendTag(m, fieldName, protowire.BytesType)
	m = protowire.AppendString(m, r.name)
	m = protowire.AppendTag(m, fieldGroup, protowire.BytesType)
	m = protowire.AppendString(m, r.group)
	m = protowire.AppendTag(m, fieldKind, protowire.BytesType)
	m = protowire.AppendString(m, r.kind)
	m = protowire.AppendTag(m, fieldTensor, protowire.BytesType)
	m = protowire.AppendBytes(m, tensor.Encode(r.tensor))

	b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func consumeRecords(b []byte) ([]wireRecord, error) {
	var records []wireRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldRecord || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		payload, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]

		r, err := consumeRecord(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func consumeRecord(b []byte) (wireRecord, error) {
	var r wireRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return r, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return r, protowire.ParseError(m)
		}
		b = b[m:]

		switch num {
		case fieldName:
			r.name = string(v)
		case fieldGroup:
			r.group = string(v)
		case fieldKind:
			r.kind = string(v)
		case fieldTensor:
			t, err := tensor.Decode(v)
			if err != nil {
				return r, err
			}
			r.tensor = t
		}
	}
	if r.tensor == nil {
		return r, fmt.Errorf("record %q has no tensor", r.name)
	}
	return r, nil
}

func encodeWeights(weights []WeightTensor) ([]byte, error) {
	var b []byte
	for _, w := range weights {
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %s: %w", w.Name, err)
		}
		b = appendRecord(b, wireRecord{name: w.Name, group: w.Layer, kind: w.Type, tensor: t})
	}
	return b, nil
}

func encodeOptimizerTensors(state []OptimizerTensor) ([]byte, error) {
	var b []byte
	for _, s := range state {
		t, err := tensor.NewTensor(s.Shape, s.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid optimizer tensor %s: %w", s.Name, err)
		}
		b = appendRecord(b, wireRecord{name: s.Name, group: s.StateType, tensor: t})
	}
	return b, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// saveZip writes weights.pb, optimizer.pb and meta.json. meta.json holds the
// checkpoint without tensor payloads.
func saveZip(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	zw := zip.NewWriter(file)

	weights, err := encodeWeights(checkpoint.Weights)
	if err != nil {
		return err
	}
	if err := writeEntry(zw, weightsEntry, weights); err != nil {
		return fmt.Errorf("failed to write %s: %w", weightsEntry, err)
	}

	meta := *checkpoint
	meta.Weights = nil
	if checkpoint.OptimizerState != nil {
		state, err := encodeOptimizerTensors(checkpoint.OptimizerState.StateData)
		if err != nil {
			return err
		}
		if err := writeEntry(zw, optimizerEntry, state); err != nil {
			return fmt.Errorf("failed to write %s: %w", optimizerEntry, err)
		}
		opt := *checkpoint.OptimizerState
		opt.StateData = nil
		meta.OptimizerState = &opt
	}

	metaJSON, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}
	if err := writeEntry(zw, metaEntry, metaJSON); err != nil {
		return fmt.Errorf("failed to write %s: %w", metaEntry, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish checkpoint archive: %w", err)
	}
	return file.Close()
}

func readEntry(zr *zip.ReadCloser, name string) ([]byte, bool, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, true, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		return data, true, err
	}
	return nil, false, nil
}

// loadZip reads a checkpoint written by saveZip
func loadZip(path string) (*Checkpoint, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer zr.Close()

	var checkpoint Checkpoint
	metaJSON, ok, err := readEntry(zr, metaEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metaEntry, err)
	}
	if ok {
		if err := json.Unmarshal(metaJSON, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
		}
	}

	weights, ok, err := readEntry(zr, weightsEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", weightsEntry, err)
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint has no %s", weightsEntry)
	}
	records, err := consumeRecords(weights)
	if err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	checkpoint.Weights = make([]WeightTensor, len(records))
	for i, r := range records {
		checkpoint.Weights[i] = WeightTensor{
			Name:  r.name,
			Shape: r.tensor.Shape,
			Data:  r.tensor.Data,
			Layer: r.group,
			Type:  r.kind,
		}
	}

	if checkpoint.OptimizerState != nil {
		state, ok, err := readEntry(zr, optimizerEntry)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", optimizerEntry, err)
		}
		if ok {
			records, err := consumeRecords(state)
			if err != nil {
				return nil, fmt.Errorf("failed to decode optimizer state: %w", err)
			}
			for _, r := range records {
				checkpoint.OptimizerState.StateData = append(checkpoint.OptimizerState.StateData, OptimizerTensor{
					Name:      r.name,
					Shape:     r.tensor.Shape,
					Data:      r.tensor.Data,
					StateType: r.group,
				})
			}
		}
	}

	return &checkpoint, nil
}
