// Package signals turns raw detected events into scored recommendations.
// One Processor per source type; the Runner drives batched processing with
// retry scheduling and dead-lettering for transient failures.
package signals

import (
	"errors"
	"fmt"

	"gtm-command-center/internal/models"
	"gtm-command-center/internal/scoring"
)

// ErrMalformedSignal marks a payload that fails validation. Malformed signals
// are marked processed without a recommendation and never retried; bad data
// will not self-heal.
var ErrMalformedSignal = errors.New("malformed signal payload")

// Draft is a processor's proposed action before scoring.
type Draft struct {
	Domain        string
	ActionType    string
	Owner         string
	ActionContext map[string]any
	Inputs        scoring.Inputs
}

// Processor derives a draft recommendation from one signal of its source type.
type Processor interface {
	Source() string
	Process(sig models.Signal) (Draft, error)
}

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key].(string)
	return v, ok && v != ""
}

// payloadNumber accepts float64 (JSON numbers) and int for convenience.
func payloadNumber(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func numberOr(payload map[string]any, key string, fallback float64) float64 {
	if v, ok := payloadNumber(payload, key); ok {
		return v
	}
	return fallback
}

func stringOr(payload map[string]any, key, fallback string) string {
	if v, ok := payloadString(payload, key); ok {
		return v
	}
	return fallback
}

func malformed(source, detail string) error {
	return fmt.Errorf("%s signal: %s: %w", source, detail, ErrMalformedSignal)
}
