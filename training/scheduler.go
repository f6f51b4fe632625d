package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for epoch driven learning rate schedules.
// GetLR is a pure function of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// Scheduler is what the Trainer drives once per epoch: it receives the
// validation loss and the current learning rate and returns the learning
// rate to use for the next epoch.
type Scheduler interface {
	Step(metric float64, currentLR float64) float64
}

// SchedulerConfig selects and parameterizes a scheduler by name.
type SchedulerConfig struct {
	Name      string  `yaml:"name" json:"name"` // step, exponential, cosine, plateau or none
	StepSize  int     `yaml:"step_size" json:"step_size,omitempty"`
	Gamma     float64 `yaml:"gamma" json:"gamma,omitempty"`
	TMax      int     `yaml:"t_max" json:"t_max,omitempty"`
	EtaMin    float64 `yaml:"eta_min" json:"eta_min,omitempty"`
	Factor    float64 `yaml:"factor" json:"factor,omitempty"`
	Patience  int     `yaml:"patience" json:"patience,omitempty"`
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
	Mode      string  `yaml:"mode" json:"mode,omitempty"`
}

// NewScheduler builds the Scheduler described by cfg. An empty name returns
// nil, meaning a constant learning rate.
func NewScheduler(cfg SchedulerConfig) (Scheduler, error) {
	switch cfg.Name {
	case "", "none", "constant":
		return nil, nil
	case "step":
		return NewEpochScheduler(NewStepLRScheduler(cfg.StepSize, cfg.Gamma)), nil
	case "exponential":
		return NewEpochScheduler(NewExponentialLRScheduler(cfg.Gamma)), nil
	case "cosine":
		return NewEpochScheduler(NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin)), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, cfg.Mode), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Name)
	}
}

// EpochScheduler adapts an LRScheduler to the Scheduler contract. The base
// learning rate is captured on the first Step; the metric is ignored.
type EpochScheduler struct {
	schedule LRScheduler
	baseLR   float64
	epoch    int
	started  bool
}

// NewEpochScheduler wraps schedule.
func NewEpochScheduler(schedule LRScheduler) *EpochScheduler {
	return &EpochScheduler{schedule: schedule}
}

// Step advances one epoch and returns the scheduled learning rate.
func (s *EpochScheduler) Step(_ float64, currentLR float64) float64 {
	if !s.started {
		s.baseLR = currentLR
		s.started = true
	}
	s.epoch++
	return s.schedule.GetLR(s.epoch, 0, s.baseLR)
}

func (s *EpochScheduler) GetName() string {
	return s.schedule.GetName()
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold <= 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric.
// It is called once per epoch with the validation loss.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) Step(_ float64, currentLR float64) float64 {
	return currentLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
