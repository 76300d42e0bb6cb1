package triage

import (
	"fmt"
	"math"
	"strings"
)

// Priority values stored on review queue entries
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

const (
	DefaultAutoInsertThreshold = 85.0
	DefaultUrgentThreshold     = 50.0
)

// Result is the outcome of triaging one OCR result
type Result struct {
	Priority       string `json:"priority"`
	AutoInsertable bool   `json:"autoInsertable"`
}

// Policy holds the confidence thresholds, on the 0-100 scale
type Policy struct {
	AutoInsertThreshold float64
	UrgentThreshold     float64
}

// DefaultPolicy returns the stock thresholds (85 / 50)
func DefaultPolicy() Policy {
	return Policy{
		AutoInsertThreshold: DefaultAutoInsertThreshold,
		UrgentThreshold:     DefaultUrgentThreshold,
	}
}

// Classify computes priority and auto-insert eligibility.
// An explicit review flag always wins over the score.
func (p Policy) Classify(confidence float64, needsReview bool) Result {
	autoInsertable := confidence >= p.AutoInsertThreshold && !needsReview

	priority := PriorityNormal
	switch {
	case needsReview:
		priority = PriorityHigh
	case confidence < p.UrgentThreshold:
		priority = PriorityUrgent
	case autoInsertable:
		priority = PriorityLow
	}

	return Result{Priority: priority, AutoInsertable: autoInsertable}
}

// Classify runs the default policy
func Classify(confidence float64, needsReview bool) Result {
	return DefaultPolicy().Classify(confidence, needsReview)
}

// Scale is the unit the OCR engine writes confidence scores in
type Scale string

const (
	// ScaleFraction is 0.0-1.0, what the OCR engine writes by default
	ScaleFraction Scale = "fraction"
	// ScalePercent is 0-100, the scale thresholds and review entries use
	ScalePercent Scale = "percent"
)

// ParseScale reads a configured scale name; empty means fraction
func ParseScale(name string) (Scale, error) {
	switch Scale(strings.ToLower(strings.TrimSpace(name))) {
	case "", ScaleFraction:
		return ScaleFraction, nil
	case ScalePercent:
		return ScalePercent, nil
	}
	return "", fmt.Errorf("unknown confidence scale %q (want fraction or percent)", name)
}

// NormalizeConfidence converts an engine confidence on scale to 0-100.
// NaN and negatives become 0, anything above 100 is clamped.
func NormalizeConfidence(v float64, scale Scale) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if scale != ScalePercent {
		v = v * 100
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*100) / 100
}
