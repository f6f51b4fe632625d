package training

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/tinyai/tensor"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("MetricType(%d)", int(mt))
	}
}

// rowArgmax returns the argmax of every row of a [rows, cols] tensor
func rowArgmax(t *tensor.Tensor) ([]int, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("argmax needs at least one dimension")
	}
	rows := t.Shape[0]
	if rows == 0 {
		return nil, nil
	}
	cols := t.NumElems / rows

	out := make([]int, rows)
	row := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for j := 0; j < cols; j++ {
			row[j] = float64(t.Data[r*cols+j])
		}
		out[r] = floats.MaxIdx(row)
	}
	return out, nil
}

// targetClasses reads one class per row from target, given as class indices
// or as one-hot rows
func targetClasses(target *tensor.Tensor, rows int) ([]int, error) {
	if target.NumElems == rows {
		expected := make([]int, rows)
		for i, v := range target.Data {
			expected[i] = int(v)
		}
		return expected, nil
	}
	expected, err := rowArgmax(target)
	if err != nil {
		return nil, err
	}
	if len(expected) != rows {
		return nil, fmt.Errorf("batch size mismatch: output %d, target %d", rows, len(expected))
	}
	return expected, nil
}

// ClassAccuracy counts the rows whose predicted argmax equals the target
// argmax. Targets are one-hot rows or one class index per row.
func ClassAccuracy(output, target *tensor.Tensor) (int, error) {
	predicted, err := rowArgmax(output)
	if err != nil {
		return 0, err
	}
	expected, err := targetClasses(target, len(predicted))
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := range predicted {
		if predicted[i] == expected[i] {
			correct++
		}
	}
	return correct, nil
}

// BinaryAccuracy counts predictions that, thresholded at 0.5, equal the
// binary target.
func BinaryAccuracy(output, target *tensor.Tensor) (int, error) {
	if output.NumElems != target.NumElems {
		return 0, fmt.Errorf("batch size mismatch: output %d, target %d", output.NumElems, target.NumElems)
	}
	correct := 0
	for i, p := range output.Data {
		var label float32
		if p >= 0.5 {
			label = 1
		}
		if label == target.Data[i] {
			correct++
		}
	}
	return correct, nil
}

// ControlFunc scores one batch and returns the number of correct answers
type ControlFunc func(batch *Batch, output *tensor.Tensor) (int, error)

// Control runs model over ds in eval mode, in order, and returns the number of
// correct answers reported by score and the number of samples seen. A nil
// score uses ClassAccuracy.
func Control(ctx context.Context, model Module, ds Dataset, batchSize int, score ControlFunc) (correct, total int, err error) {
	if score == nil {
		score = func(b *Batch, out *tensor.Tensor) (int, error) {
			return ClassAccuracy(out, b.Labels)
		}
	}

	model.Eval()
	defer model.Train()

	loader := NewDataLoader(ds, LoaderConfig{BatchSize: batchSize})
	loader.Reset()
	for {
		batch, err := loader.Next(ctx)
		if err != nil {
			return correct, total, err
		}
		if batch == nil {
			return correct, total, nil
		}

		n, err := controlBatch(model, batch, score)
		if err != nil {
			return correct, total, err
		}
		correct += n
		total += batch.Size()
	}
}

func controlBatch(model Module, batch *Batch, score ControlFunc) (int, error) {
	defer batch.Release()

	output, err := model.Forward(batch.Inputs...)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}
	return score(batch, output)
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds a batch of logits [batch, classes] and their targets (one-hot
// rows or class indices). Samples with out of range classes are skipped.
func (cm *ConfusionMatrix) Update(output, target *tensor.Tensor) error {
	predicted, err := rowArgmax(output)
	if err != nil {
		return err
	}
	expected, err := targetClasses(target, len(predicted))
	if err != nil {
		return err
	}

	for i, p := range predicted {
		t := expected[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			continue
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return ratio(cm.Matrix[1][1], cm.Matrix[1][1]+cm.Matrix[0][1])
	case Recall:
		return ratio(cm.Matrix[1][1], cm.Matrix[1][1]+cm.Matrix[1][0])
	case F1Score:
		return harmonic(cm.GetMetric(Precision), cm.GetMetric(Recall))
	case Specificity:
		return ratio(cm.Matrix[0][0], cm.Matrix[0][0]+cm.Matrix[0][1])
	case NPV:
		return ratio(cm.Matrix[0][0], cm.Matrix[0][0]+cm.Matrix[1][0])
	case MacroPrecision, MacroRecall:
		var sum float64
		for c := 0; c < cm.NumClasses; c++ {
			if metric == MacroPrecision {
				sum += ratio(cm.Matrix[c][c], cm.columnSum(c))
			} else {
				sum += ratio(cm.Matrix[c][c], cm.rowSum(c))
			}
		}
		if cm.NumClasses == 0 {
			return 0
		}
		return sum / float64(cm.NumClasses)
	case MacroF1:
		return harmonic(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1:
		// Every misclassification is one false positive and one false
		// negative, so all micro averages equal the accuracy.
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) rowSum(c int) int {
	s := 0
	for _, v := range cm.Matrix[c] {
		s += v
	}
	return s
}

func (cm *ConfusionMatrix) columnSum(c int) int {
	s := 0
	for r := range cm.Matrix {
		s += cm.Matrix[r][c]
	}
	return s
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func harmonic(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * (p * r) / (p + r)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return ratio(correct, cm.TotalSamples)
}

// CalculateAUCROC calculates Area Under ROC Curve for binary classification
func CalculateAUCROC(scores []float32, labels []float32) float64 {
	if len(scores) != len(labels) || len(scores) == 0 {
		return 0.0
	}

	type pair struct {
		score float32
		label bool
	}
	pairs := make([]pair, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pairs[i] = pair{score: scores[i], label: labels[i] >= 0.5}
		if pairs[i].label {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0.0 // Cannot calculate AUC without both classes
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	// Trapezoidal rule, one ROC point per distinct score
	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		j := i
		for ; j < len(pairs) && pairs[j].score == pairs[i].score; j++ {
			if pairs[j].label {
				tp++
			} else {
				fp++
			}
		}
		i = j

		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
	}
	return auc
}

// RegressionMetrics holds regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics computes regression metrics for flat predictions
func CalculateRegressionMetrics(predictions, trueValues []float32) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || len(trueValues) != n {
		return &RegressionMetrics{}
	}

	pred := make([]float64, n)
	truth := make([]float64, n)
	for i := 0; i < n; i++ {
		pred[i] = float64(predictions[i])
		truth[i] = float64(trueValues[i])
	}

	diff := make([]float64, n)
	floats.SubTo(diff, pred, truth)

	mae := floats.Norm(diff, 1) / float64(n)
	mse := floats.Dot(diff, diff) / float64(n)

	m := &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
	}

	if _, variance := stat.PopMeanVariance(truth, nil); variance > 0 {
		m.R2 = 1.0 - mse/variance
	}
	if spread := floats.Max(truth) - floats.Min(truth); spread > 0 {
		m.NMAE = mae / spread
	}
	return m
}

// ClassificationReport accumulates the confusion matrix of a classifier
// together with its softmax probabilities
type ClassificationReport struct {
	Matrix *ConfusionMatrix

	probs     []float32 // softmax rows
	onehot    []float32 // targets as one-hot rows
	scores    []float32 // probability of class 1, two class problems only
	positives []float32
}

// NewClassificationReport creates an empty report for numClasses classes
func NewClassificationReport(numClasses int) *ClassificationReport {
	return &ClassificationReport{Matrix: NewConfusionMatrix(numClasses)}
}

// Update adds a batch of logits [batch, classes] and their targets (one-hot
// rows or class indices). Samples with out of range classes are skipped.
func (r *ClassificationReport) Update(output, target *tensor.Tensor) error {
	classes := r.Matrix.NumClasses
	if len(output.Shape) != 2 || output.Shape[1] != classes {
		return fmt.Errorf("expected logits [batch, %d], got %v", classes, output.Shape)
	}
	if err := r.Matrix.Update(output, target); err != nil {
		return err
	}

	rows := output.Shape[0]
	expected, err := targetClasses(target, rows)
	if err != nil {
		return err
	}
	probs := tensor.SoftmaxRows(output.Data, rows, classes)
	for i, c := range expected {
		if c < 0 || c >= classes {
			continue
		}
		row := probs[i*classes : (i+1)*classes]
		r.probs = append(r.probs, row...)
		for j := 0; j < classes; j++ {
			var v float32
			if j == c {
				v = 1
			}
			r.onehot = append(r.onehot, v)
		}
		if classes == 2 {
			r.scores = append(r.scores, row[1])
			r.positives = append(r.positives, float32(c))
		}
	}
	return nil
}

// Samples returns the number of samples counted
func (r *ClassificationReport) Samples() int {
	return r.Matrix.TotalSamples
}

// Accuracy returns the share of correctly classified samples
func (r *ClassificationReport) Accuracy() float64 {
	return r.Matrix.GetAccuracy()
}

// Probabilities compares the softmax probabilities with the one-hot targets
// element by element
func (r *ClassificationReport) Probabilities() *RegressionMetrics {
	return CalculateRegressionMetrics(r.probs, r.onehot)
}

// BrierScore is the mean over samples of the squared distance between the
// probability row and the one-hot target
func (r *ClassificationReport) BrierScore() float64 {
	return r.Probabilities().MSE * float64(r.Matrix.NumClasses)
}

// AUC returns the ROC AUC of the class 1 probability. It is only defined for
// two class problems.
func (r *ClassificationReport) AUC() (float64, bool) {
	if r.Matrix.NumClasses != 2 {
		return 0, false
	}
	return CalculateAUCROC(r.scores, r.positives), true
}
