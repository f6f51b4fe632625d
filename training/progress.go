package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/tsawler/tinyai/layers"
)

// Phase identifies the pass a batch belongs to
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
)

// BatchProgress describes one processed batch
type BatchProgress struct {
	Phase   Phase
	Epoch   int
	Epochs  int
	Batch   int // 1-based
	Batches int
	Samples int
	Loss    float64
	Elapsed time.Duration
}

// ProgressSink receives training progress. The Trainer never writes to the
// terminal itself.
type ProgressSink interface {
	OnBatch(p BatchProgress)
	OnEpoch(stats EpochStats)
}

// NopSink discards progress
type NopSink struct{}

func (NopSink) OnBatch(BatchProgress) {}
func (NopSink) OnEpoch(EpochStats)    {}

// LogSink reports epochs (and optionally batches) through zap
type LogSink struct {
	Logger     *zap.Logger
	LogBatches bool
}

func (s LogSink) OnBatch(p BatchProgress) {
	if !s.LogBatches || s.Logger == nil {
		return
	}
	s.Logger.Debug("Batch",
		zap.String("phase", string(p.Phase)),
		zap.Int("epoch", p.Epoch+1),
		zap.Int("batch", p.Batch),
		zap.Int("batches", p.Batches),
		zap.Float64("loss", p.Loss))
}

func (s LogSink) OnEpoch(stats EpochStats) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("Epoch finished",
		zap.Int("epoch", stats.Epoch+1),
		zap.Float64("loss_train", stats.LossTrain),
		zap.Float64("loss_val", stats.LossVal),
		zap.Int("samples_train", stats.SamplesTrain),
		zap.Int("samples_val", stats.SamplesVal),
		zap.Float64s("lr", stats.LearningRates),
		zap.Duration("elapsed", stats.Elapsed))
}

// MultiSink fans progress out to several sinks
type MultiSink []ProgressSink

func (m MultiSink) OnBatch(p BatchProgress) {
	for _, s := range m {
		s.OnBatch(p)
	}
}

func (m MultiSink) OnEpoch(stats EpochStats) {
	for _, s := range m {
		s.OnEpoch(stats)
	}
}

var (
	phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	lossStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

// ProgressBar renders a single line training progress bar
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	bar         progress.Model
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
}

// Line formats the current state of the bar
func (pb *ProgressBar) Line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var sb strings.Builder
	sb.WriteString(phaseStyle.Render(pb.description))
	sb.WriteString(fmt.Sprintf(" %3.0f%% ", percentage*100))
	sb.WriteString(pb.bar.ViewAs(percentage))
	sb.WriteString(fmt.Sprintf(" %d/%d", pb.current, pb.total))
	sb.WriteString(dimStyle.Render(fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))))
	if rate > 0 {
		sb.WriteString(dimStyle.Render(fmt.Sprintf(", %.2fbatch/s", rate)))
	}
	if loss, ok := pb.metrics["loss"]; ok {
		sb.WriteString(dimStyle.Render(", ") + lossStyle.Render(fmt.Sprintf("loss=%.4f", loss)))
	}
	sb.WriteString(dimStyle.Render("]"))
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ConsoleSink draws a progress bar per pass and an epoch summary
type ConsoleSink struct {
	out   io.Writer
	mu    sync.Mutex
	bar   *ProgressBar
	phase Phase
	epoch int
}

// NewConsoleSink writes to out, or stdout when out is nil
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out, epoch: -1}
}

func (c *ConsoleSink) OnBatch(p BatchProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar == nil || c.phase != p.Phase || c.epoch != p.Epoch {
		if c.bar != nil {
			fmt.Fprintln(c.out)
		}
		desc := fmt.Sprintf("Epoch %d/%d (%s)", p.Epoch+1, p.Epochs, p.Phase)
		c.bar = NewProgressBar(desc, p.Batches)
		c.phase = p.Phase
		c.epoch = p.Epoch
	}
	c.bar.Update(p.Batch, map[string]float64{"loss": p.Loss})
	fmt.Fprint(c.out, "\r"+c.bar.Line())
}

func (c *ConsoleSink) OnEpoch(stats EpochStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar != nil {
		fmt.Fprintln(c.out)
		c.bar = nil
	}
	fmt.Fprintf(c.out, "%s train loss %s, val loss %s, lr %v, %s\n",
		okStyle.Render(fmt.Sprintf("Epoch %d", stats.Epoch+1)),
		lossStyle.Render(fmt.Sprintf("%.4f", stats.LossTrain)),
		lossStyle.Render(fmt.Sprintf("%.4f", stats.LossVal)),
		stats.LearningRates,
		dimStyle.Render(stats.Elapsed.Round(time.Millisecond).String()))
}

// ModelArchitecturePrinter prints a model summary
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the layers and parameter totals of spec to w
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, spec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range spec.Layers {
		fmt.Fprintf(w, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "Input shape: %v\n", spec.InputShape)
	fmt.Fprintf(w, "Output shape: %v\n", spec.OutputShape)
	fmt.Fprintf(w, "Trainable parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size"), layer.IntParam("output_size"), layer.BoolParam("use_bias"))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
