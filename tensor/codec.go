package tensor

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of an encoded tensor (protobuf compatible):
//
//	message Tensor {
//	  repeated int64 shape = 1 [packed = true];
//	  repeated float data  = 2 [packed = true];
//	}
const (
	fieldShape protowire.Number = 1
	fieldData  protowire.Number = 2
)

// AppendEncoded appends the wire encoding of t to b.
func AppendEncoded(b []byte, t *Tensor) []byte {
	var shape []byte
	for _, dim := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	return b
}

// Encode returns the wire encoding of t.
func Encode(t *Tensor) []byte {
	return AppendEncoded(nil, t)
}

// Decode parses a tensor produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (*Tensor, error) {
	var shape []int
	var data []float32

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode tensor tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldShape && typ == protowire.BytesType:
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("failed to decode tensor shape: %w", protowire.ParseError(m))
			}
			b = b[m:]
			for len(payload) > 0 {
				v, k := protowire.ConsumeVarint(payload)
				if k < 0 {
					return nil, fmt.Errorf("failed to decode tensor dimension: %w", protowire.ParseError(k))
				}
				shape = append(shape, int(v))
				payload = payload[k:]
			}

		case num == fieldData && typ == protowire.BytesType:
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("failed to decode tensor data: %w", protowire.ParseError(m))
			}
			b = b[m:]
			data = make([]float32, 0, len(payload)/4)
			for len(payload) > 0 {
				v, k := protowire.ConsumeFixed32(payload)
				if k < 0 {
					return nil, fmt.Errorf("failed to decode tensor value: %w", protowire.ParseError(k))
				}
				data = append(data, math.Float32frombits(v))
				payload = payload[k:]
			}

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	return NewTensor(shape, data)
}

// WriteFile stores t at path using the wire encoding.
func WriteFile(path string, t *Tensor) error {
	if err := os.WriteFile(path, Encode(t), 0644); err != nil {
		return fmt.Errorf("failed to write tensor file: %w", err)
	}
	return nil
}

// ReadFile loads a tensor written by WriteFile.
func ReadFile(path string) (*Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor file: %w", err)
	}
	return Decode(b)
}
