// Package strategy orders a tier's candidate model pool for a single
// routing attempt, per the configured per-tier strategy.
package strategy

import (
	"math/rand"
	"sort"

	"github.com/relaymux/gateway/internal/health"
)

// HealthGetter is the subset of *health.Store the adaptive strategy
// needs. Satisfied by *health.Store.
type HealthGetter interface {
	Get(model string) health.Stats
}

// Order returns models arranged per strategy ("sequential", "random",
// or "adaptive"). models is never mutated; Order always returns a new
// slice. Unknown strategies fall back to sequential.
func Order(strategyName string, models []string, store HealthGetter) []string {
	switch strategyName {
	case "random":
		return shuffled(models)
	case "adaptive":
		return adaptiveOrder(models, store)
	default:
		out := make([]string, len(models))
		copy(out, models)
		return out
	}
}

func shuffled(models []string) []string {
	out := make([]string, len(models))
	copy(out, models)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// adaptiveOrder scores each model as rand.Float64() * weight, where
// weight = 1.0 / (1.0 + failure_score*0.5), then sorts descending by
// score. The 0.5 sensitivity (rather than 0.2, used for the UI health
// score) accounts for failure_score now decaying over time.
func adaptiveOrder(models []string, store HealthGetter) []string {
	type scored struct {
		model string
		score float64
	}

	entries := make([]scored, len(models))
	for i, m := range models {
		stats := store.Get(m)
		weight := 1.0 / (1.0 + stats.FailureScore*0.5)
		entries[i] = scored{model: m, score: rand.Float64() * weight}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.model
	}
	return out
}
