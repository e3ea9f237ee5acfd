// Package scoring computes the composite action priority score (APS).
// Score is a pure function: no I/O, identical inputs give identical outputs.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Factor weights. Effort is inverted before weighting: less effort scores higher.
const (
	weightRevenue = 0.40
	weightUrgency = 0.25
	weightEffort  = 0.15
	weightFit     = 0.20
)

// DefaultSuccessRate is used when no outcome history exists for an action type.
const DefaultSuccessRate = 1.0

// Inputs are the raw feature values derived by a signal processor.
type Inputs struct {
	Revenue       float64 // estimated revenue impact in dollars
	UrgencyDays   float64 // days until the opportunity goes stale
	EffortMinutes float64 // estimated operator effort
	Fit           float64 // strategic/ICP fit, 0..1
	SuccessRate   float64 // trailing success rate for the action type, 0..1
}

// Result is the scored output: a 0-100 score, a deterministic human-readable
// rationale, and the per-factor weighted contributions.
type Result struct {
	Score     float64
	Rationale string
	Breakdown map[string]float64
}

// Score maps a weighted feature vector to a 0-100 priority score.
// The base score is multiplied by (1 + 0.3*(successRate-0.5)) so action types
// with above-average historical conversion are boosted and below-average types
// dampened, then clamped to [0,100].
func Score(in Inputs) Result {
	r := revenueNorm(in.Revenue)
	u := urgencyNorm(in.UrgencyDays)
	e := effortNorm(in.EffortMinutes)
	f := clamp01(in.Fit)

	breakdown := map[string]float64{
		"revenue_impact": weightRevenue * r,
		"urgency":        weightUrgency * u,
		"effort":         weightEffort * e,
		"strategic_fit":  weightFit * f,
	}

	base := breakdown["revenue_impact"] + breakdown["urgency"] + breakdown["effort"] + breakdown["strategic_fit"]
	multiplier := 1 + 0.3*(in.SuccessRate-0.5)
	breakdown["history_multiplier"] = multiplier

	score := base * 100 * multiplier
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{
		Score:     score,
		Rationale: rationale(in, breakdown),
		Breakdown: breakdown,
	}
}

// revenueNorm maps dollars to 0..1 on a log curve; $1M and above saturate.
func revenueNorm(dollars float64) float64 {
	if dollars <= 0 {
		return 0
	}
	return clamp01(math.Log10(1+dollars) / 6)
}

// urgencyNorm: due today is 1.0, 30 days out or more decays to 0.
func urgencyNorm(days float64) float64 {
	return clamp01(1 - days/30)
}

// effortNorm: instant wins are 1.0, four hours of effort or more is 0.
func effortNorm(minutes float64) float64 {
	return clamp01(1 - minutes/240)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// factorOrder fixes tie-breaking so the rationale is deterministic.
var factorOrder = map[string]int{
	"revenue_impact": 0,
	"urgency":        1,
	"effort":         2,
	"strategic_fit":  3,
}

// rationale names the two or three highest-weighted contributing factors.
func rationale(in Inputs, breakdown map[string]float64) string {
	type contrib struct {
		factor string
		value  float64
	}
	ranked := make([]contrib, 0, len(factorOrder))
	for factor := range factorOrder {
		ranked = append(ranked, contrib{factor, breakdown[factor]})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value > ranked[j].value
		}
		return factorOrder[ranked[i].factor] < factorOrder[ranked[j].factor]
	})

	chosen := make([]string, 0, 3)
	hasEffort := false
	for _, c := range ranked {
		if len(chosen) == 3 || c.value < 0.05 {
			break
		}
		if c.factor == "effort" {
			hasEffort = true
		}
		chosen = append(chosen, c.factor)
	}
	// A sub-30-minute action is always worth calling out, even when effort is
	// not among the top weighted factors.
	if !hasEffort && in.EffortMinutes > 0 && in.EffortMinutes <= 30 && len(chosen) == 3 {
		chosen[2] = "effort"
	}

	phrases := make([]string, 0, len(chosen))
	for _, factor := range chosen {
		phrases = append(phrases, phrase(factor, in))
	}
	if len(phrases) == 0 {
		phrases = append(phrases, "low-signal action")
	}
	return strings.Join(phrases, ", ")
}

func phrase(factor string, in Inputs) string {
	switch factor {
	case "revenue_impact":
		if in.Revenue >= 25000 {
			return fmt.Sprintf("high pipeline value (%s)", formatDollars(in.Revenue))
		}
		return fmt.Sprintf("pipeline value (%s)", formatDollars(in.Revenue))
	case "urgency":
		switch {
		case in.UrgencyDays <= 1:
			return fmt.Sprintf("urgent (%s)", formatDays(in.UrgencyDays))
		case in.UrgencyDays <= 7:
			return fmt.Sprintf("time-sensitive (%s)", formatDays(in.UrgencyDays))
		default:
			return fmt.Sprintf("due in %s", formatDays(in.UrgencyDays))
		}
	case "effort":
		if in.EffortMinutes <= 30 {
			return "quick win"
		}
		return fmt.Sprintf("%.0f min effort", in.EffortMinutes)
	case "strategic_fit":
		if in.Fit >= 0.8 {
			return "strong ICP fit"
		}
		return "moderate ICP fit"
	}
	return factor
}

func formatDollars(dollars float64) string {
	if dollars >= 1000 {
		return fmt.Sprintf("$%.0fk", dollars/1000)
	}
	return fmt.Sprintf("$%.0f", dollars)
}

func formatDays(days float64) string {
	if days <= 1 {
		return "1 day"
	}
	return fmt.Sprintf("%.0f days", days)
}
