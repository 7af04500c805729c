package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scoring holds the health-score penalty coefficients and level cut-offs.
type Scoring struct {
	CPUThreshold         float64 `yaml:"cpu_threshold"`
	CPUMultiplier        float64 `yaml:"cpu_multiplier"`
	MemoryThreshold      float64 `yaml:"memory_threshold"`
	MemoryMultiplier     float64 `yaml:"memory_multiplier"`
	DiskThreshold        float64 `yaml:"disk_threshold"`
	DiskMultiplier       float64 `yaml:"disk_multiplier"`
	FailedServicePenalty float64 `yaml:"failed_service_penalty"`
	ProbeFailedPenalty   float64 `yaml:"probe_failed_penalty"`
	ProbeTimeoutPenalty  float64 `yaml:"probe_timeout_penalty"`
	CriticalBelow        float64 `yaml:"critical_below"`
	DegradedBelow        float64 `yaml:"degraded_below"`
	WarningBelow         float64 `yaml:"warning_below"`
}

// DefaultScoring returns the stock coefficients.
func DefaultScoring() Scoring {
	return Scoring{
		CPUThreshold:         80,
		CPUMultiplier:        2,
		MemoryThreshold:      85,
		MemoryMultiplier:     3,
		DiskThreshold:        90,
		DiskMultiplier:       5,
		FailedServicePenalty: 15,
		ProbeFailedPenalty:   20,
		ProbeTimeoutPenalty:  10,
		CriticalBelow:        30,
		DegradedBelow:        60,
		WarningBelow:         85,
	}
}

// LoadScoringFile parses a YAML scoring file from the given path.
// Fields left out of the file keep their default values. Returns defaults if path is empty.
func LoadScoringFile(path string) (Scoring, error) {
	scoring := DefaultScoring()
	if path == "" {
		return scoring, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Scoring{}, fmt.Errorf("read scoring file: %w", err)
	}

	if err := yaml.Unmarshal(data, &scoring); err != nil {
		return Scoring{}, fmt.Errorf("parse scoring file: %w", err)
	}

	if err := validateScoring(scoring); err != nil {
		return Scoring{}, err
	}

	return scoring, nil
}

func validateScoring(s Scoring) error {
	thresholds := map[string]float64{
		"cpu_threshold":    s.CPUThreshold,
		"memory_threshold": s.MemoryThreshold,
		"disk_threshold":   s.DiskThreshold,
	}
	for name, value := range thresholds {
		if value < 0 || value > 100 {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}

	penalties := map[string]float64{
		"cpu_multiplier":         s.CPUMultiplier,
		"memory_multiplier":      s.MemoryMultiplier,
		"disk_multiplier":        s.DiskMultiplier,
		"failed_service_penalty": s.FailedServicePenalty,
		"probe_failed_penalty":   s.ProbeFailedPenalty,
		"probe_timeout_penalty":  s.ProbeTimeoutPenalty,
	}
	for name, value := range penalties {
		if value < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if !(s.CriticalBelow <= s.DegradedBelow && s.DegradedBelow <= s.WarningBelow) {
		return fmt.Errorf("level cut-offs must satisfy critical_below <= degraded_below <= warning_below")
	}
	if s.WarningBelow > 100 || s.CriticalBelow < 0 {
		return fmt.Errorf("level cut-offs must be between 0 and 100")
	}

	return nil
}
