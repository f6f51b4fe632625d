package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Backward runs reverse-mode differentiation from a single element tensor and
// accumulates gradients into every reachable leaf that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward() requires a single element tensor, got %d elements", t.NumElems)
	}
	if t.creator == nil && !t.requiresGrad {
		return fmt.Errorf("tensor is not part of an autograd graph")
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: MustNew(t.Shape, []float32{1})}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				node.accumulateGrad(g)
			}
			continue
		}

		inputs := node.creator.Inputs()
		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %w", err)
		}

		for j, in := range inputs {
			if in == nil || j >= len(inGrads) || inGrads[j] == nil || !in.requiresGrad {
				continue
			}
			if prev, ok := grads[in]; ok {
				for k := range prev.Data {
					prev.Data[k] += inGrads[j].Data[k]
				}
			} else {
				grads[in] = inGrads[j].Clone()
			}
		}
	}

	return nil
}

// topoSort returns the graph below root in post-order (inputs before outputs).
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func toDense(t *Tensor) *mat.Dense {
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], data)
}

func fromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return MustNew([]int{r, c}, data)
}

// MatMulOp implements a @ b for 2D operands.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := toDense(op.inputs[0]), toDense(op.inputs[1])
	g := toDense(gradOut)

	// dA = g @ B^T, dB = A^T @ g
	var gradA, gradB mat.Dense
	gradA.Mul(g, b.T())
	gradB.Mul(a.T(), g)

	return []*Tensor{fromMatrix(&gradA), fromMatrix(&gradB)}, nil
}

// MatMul multiplies a [M,K] by b [K,N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("matmul shape mismatch: %v @ %v", a.Shape, b.Shape)
	}

	var out mat.Dense
	out.Mul(toDense(a), toDense(b))

	result := fromMatrix(&out)
	result.SetCreator(&MatMulOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// ReshapeOp routes gradients of a reshaped view back to its source.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	return []*Tensor{MustNew(in.Shape, append([]float32(nil), gradOut.Data...))}, nil
}

// AddBiasOp implements x [M,N] + b [N].
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *AddBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n := op.inputs[1].NumElems
	gradB := make([]float32, n)
	for i, v := range gradOut.Data {
		gradB[i%n] += v
	}
	return []*Tensor{gradOut.Clone(), MustNew(op.inputs[1].Shape, gradB)}, nil
}

func AddBias(x, b *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || b.NumElems != x.Shape[1] {
		return nil, fmt.Errorf("bias shape %v does not match input %v", b.Shape, x.Shape)
	}

	data := make([]float32, x.NumElems)
	n := b.NumElems
	for i, v := range x.Data {
		data[i] = v + b.Data[i%n]
	}

	result := MustNew(x.Shape, data)
	result.SetCreator(&AddBiasOp{inputs: []*Tensor{x, b}})
	return result, nil
}

// ReLUOp implements max(0, x).
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	grad := make([]float32, x.NumElems)
	for i, v := range x.Data {
		if v > 0 {
			grad[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{MustNew(x.Shape, grad)}, nil
}

func ReLU(x *Tensor) *Tensor {
	data := make([]float32, x.NumElems)
	for i, v := range x.Data {
		if v > 0 {
			data[i] = v
		}
	}
	result := MustNew(x.Shape, data)
	result.SetCreator(&ReLUOp{inputs: []*Tensor{x}})
	return result
}

// SigmoidOp implements 1 / (1 + e^-x).
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// dσ/dx = σ(x) * (1 - σ(x))
	grad := make([]float32, gradOut.NumElems)
	for i, s := range op.output.Data {
		grad[i] = gradOut.Data[i] * s * (1 - s)
	}
	return []*Tensor{MustNew(op.output.Shape, grad)}, nil
}

func Sigmoid(x *Tensor) *Tensor {
	data := make([]float32, x.NumElems)
	for i, v := range x.Data {
		data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	result := MustNew(x.Shape, data)
	result.SetCreator(&SigmoidOp{inputs: []*Tensor{x}, output: result})
	return result
}

// TanhOp implements tanh(x).
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d tanh/dx = 1 - tanh(x)^2
	grad := make([]float32, gradOut.NumElems)
	for i, y := range op.output.Data {
		grad[i] = gradOut.Data[i] * (1 - y*y)
	}
	return []*Tensor{MustNew(op.output.Shape, grad)}, nil
}

func Tanh(x *Tensor) *Tensor {
	data := make([]float32, x.NumElems)
	for i, v := range x.Data {
		data[i] = float32(math.Tanh(float64(v)))
	}
	result := MustNew(x.Shape, data)
	result.SetCreator(&TanhOp{inputs: []*Tensor{x}, output: result})
	return result
}

// SoftmaxOp implements a row-wise softmax over the last dimension of a 2D tensor.
type SoftmaxOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	rows, cols := op.output.Shape[0], op.output.Shape[1]
	grad := make([]float32, op.output.NumElems)

	for r := 0; r < rows; r++ {
		s := op.output.Data[r*cols : (r+1)*cols]
		g := gradOut.Data[r*cols : (r+1)*cols]
		var dot float32
		for j := range s {
			dot += g[j] * s[j]
		}
		for j := range s {
			grad[r*cols+j] = s[j] * (g[j] - dot)
		}
	}

	return []*Tensor{MustNew(op.output.Shape, grad)}, nil
}

func Softmax(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("softmax requires a 2D tensor, got %v", x.Shape)
	}

	data := SoftmaxRows(x.Data, x.Shape[0], x.Shape[1])
	result := MustNew(x.Shape, data)
	result.SetCreator(&SoftmaxOp{inputs: []*Tensor{x}, output: result})
	return result, nil
}

// SoftmaxRows computes a numerically stable softmax for each row of a
// row-major [rows, cols] buffer.
func SoftmaxRows(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[r*cols+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[r*cols+j] = float32(float64(out[r*cols+j]) / sum)
		}
	}
	return out
}
