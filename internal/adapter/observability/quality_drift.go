// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"log/slog"
	"sync"
)

// QualityDriftMonitor watches generated caption quality for drift from a
// baseline. A sustained drop signals the vision model or its prompts have
// degraded and captions need closer review.
type QualityDriftMonitor struct {
	baselineScores map[string]float64
	recentScores   map[string][]float64
	windowSize     int
	driftThreshold float64
	mu             sync.RWMutex
	model          string
}

// NewQualityDriftMonitor creates a new quality drift monitor for a model.
func NewQualityDriftMonitor(model string, windowSize int, driftThreshold float64) *QualityDriftMonitor {
	return &QualityDriftMonitor{
		baselineScores: make(map[string]float64),
		recentScores:   make(map[string][]float64),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		model:          model,
	}
}

// UpdateBaseline updates the baseline score for drift detection.
func (qdm *QualityDriftMonitor) UpdateBaseline(metricType string, score float64) {
	qdm.mu.Lock()
	defer qdm.mu.Unlock()

	qdm.baselineScores[metricType] = score
	slog.Info("updated baseline quality score",
		slog.String("metric_type", metricType),
		slog.Float64("score", score),
		slog.String("model", qdm.model))
}

// RecordScore records a new quality score and checks for drift.
func (qdm *QualityDriftMonitor) RecordScore(metricType string, score float64) {
	qdm.mu.Lock()
	defer qdm.mu.Unlock()

	if qdm.recentScores[metricType] == nil {
		qdm.recentScores[metricType] = make([]float64, 0, qdm.windowSize)
	}

	qdm.recentScores[metricType] = append(qdm.recentScores[metricType], score)

	// Maintain window size
	if len(qdm.recentScores[metricType]) > qdm.windowSize {
		qdm.recentScores[metricType] = qdm.recentScores[metricType][1:]
	}

	if len(qdm.recentScores[metricType]) >= qdm.windowSize {
		drift := qdm.calculateDrift(metricType)
		if drift > qdm.driftThreshold {
			slog.Warn("caption quality drift detected",
				slog.String("metric_type", metricType),
				slog.Float64("drift", drift),
				slog.Float64("threshold", qdm.driftThreshold),
				slog.String("model", qdm.model))

			RecordQualityDrift(metricType, qdm.model, drift)
		}
	}
}

// calculateDrift calculates the drift from baseline.
func (qdm *QualityDriftMonitor) calculateDrift(metricType string) float64 {
	baseline, exists := qdm.baselineScores[metricType]
	if !exists {
		return 0.0
	}

	recentScores := qdm.recentScores[metricType]
	if len(recentScores) == 0 {
		return 0.0
	}

	avgRecent := 0.0
	for _, score := range recentScores {
		avgRecent += score
	}
	avgRecent /= float64(len(recentScores))

	drift := avgRecent - baseline
	if drift < 0 {
		drift = -drift
	}

	return drift
}

// GetDrift returns the current drift for a metric type.
func (qdm *QualityDriftMonitor) GetDrift(metricType string) float64 {
	qdm.mu.RLock()
	defer qdm.mu.RUnlock()

	return qdm.calculateDrift(metricType)
}

// GetBaseline returns the baseline score for a metric type.
func (qdm *QualityDriftMonitor) GetBaseline(metricType string) (float64, bool) {
	qdm.mu.RLock()
	defer qdm.mu.RUnlock()

	score, exists := qdm.baselineScores[metricType]
	return score, exists
}

// GetRecentScores returns the recent scores for a metric type.
func (qdm *QualityDriftMonitor) GetRecentScores(metricType string) []float64 {
	qdm.mu.RLock()
	defer qdm.mu.RUnlock()

	scores := make([]float64, len(qdm.recentScores[metricType]))
	copy(scores, qdm.recentScores[metricType])
	return scores
}

// Reset resets the drift monitor.
func (qdm *QualityDriftMonitor) Reset() {
	qdm.mu.Lock()
	defer qdm.mu.Unlock()

	qdm.baselineScores = make(map[string]float64)
	qdm.recentScores = make(map[string][]float64)
}

// QualityDriftManager manages drift monitors keyed by model.
type QualityDriftManager struct {
	monitors map[string]*QualityDriftMonitor
	mu       sync.RWMutex
}

// NewQualityDriftManager creates a new quality drift manager.
func NewQualityDriftManager() *QualityDriftManager {
	return &QualityDriftManager{
		monitors: make(map[string]*QualityDriftMonitor),
	}
}

// GetOrCreateMonitor gets an existing monitor or creates a new one.
func (qdm *QualityDriftManager) GetOrCreateMonitor(model string, windowSize int, driftThreshold float64) *QualityDriftMonitor {
	qdm.mu.Lock()
	defer qdm.mu.Unlock()

	if monitor, exists := qdm.monitors[model]; exists {
		return monitor
	}

	monitor := NewQualityDriftMonitor(model, windowSize, driftThreshold)
	qdm.monitors[model] = monitor
	return monitor
}

// GetMonitor gets an existing monitor.
func (qdm *QualityDriftManager) GetMonitor(model string) (*QualityDriftMonitor, bool) {
	qdm.mu.RLock()
	defer qdm.mu.RUnlock()

	monitor, exists := qdm.monitors[model]
	return monitor, exists
}

// ResetAllMonitors resets all monitors.
func (qdm *QualityDriftManager) ResetAllMonitors() {
	qdm.mu.Lock()
	defer qdm.mu.Unlock()

	for _, monitor := range qdm.monitors {
		monitor.Reset()
	}
}

// Global quality drift manager instance
var globalQDM = NewQualityDriftManager()

// Default window and threshold for caption quality tracking. Scores run
// 0-100 so a 12 point average shift is a meaningful regression.
const (
	defaultDriftWindow    = 20
	defaultDriftThreshold = 12.0
)

// RecordCaptionQuality records a caption quality score for drift monitoring.
func RecordCaptionQuality(model string, score float64) {
	monitor := globalQDM.GetOrCreateMonitor(model, defaultDriftWindow, defaultDriftThreshold)
	monitor.RecordScore("quality", score)
}

// UpdateQualityBaseline updates the baseline quality score for a model.
func UpdateQualityBaseline(model string, score float64) {
	monitor := globalQDM.GetOrCreateMonitor(model, defaultDriftWindow, defaultDriftThreshold)
	monitor.UpdateBaseline("quality", score)
}

// GetCaptionQualityDrift returns the current quality drift for a model.
func GetCaptionQualityDrift(model string) float64 {
	monitor, exists := globalQDM.GetMonitor(model)
	if !exists {
		return 0.0
	}
	return monitor.GetDrift("quality")
}

// ResetAllQualityDriftMonitors resets all drift monitors.
func ResetAllQualityDriftMonitors() {
	globalQDM.ResetAllMonitors()
}
