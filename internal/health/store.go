// Package health tracks per-model failure scores and cooldowns used by
// RoutingStrategy and FailoverOrchestrator to prefer healthy models
// and to skip ones currently excluded.
package health

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/relaymux/gateway/pkg/errors"
)

// Stats is one model's health record. FailureScore decays over wall
// time and is the input to both the adaptive routing weight and the
// UI-facing 0-100 health score.
type Stats struct {
	Failures      int       `json:"failures"`
	Successes     int       `json:"success"`
	FailureScore  float64   `json:"failure_score"`
	CooldownUntil int64     `json:"cooldown_until"`
	LastUpdated   float64   `json:"last_updated"`
}

// HealthScore computes the 0-100 UI-facing score. A model currently in
// cooldown reports 0 regardless of its failure_score.
func (s Stats) HealthScore(now time.Time) int {
	if s.CooldownUntil > now.Unix() {
		return 0
	}
	return int(100.0 / (1.0 + s.FailureScore*0.2))
}

// InCooldown reports whether the model is currently excluded from
// selection.
func (s Stats) InCooldown(now time.Time) bool {
	return s.CooldownUntil > now.Unix()
}

// Store is the process-wide HealthStore. All mutating methods apply
// time-based decay before acting, exactly mirroring
// router_engine.py's _refresh_stats-then-mutate pattern.
type Store struct {
	mu        sync.Mutex
	stats     map[string]*Stats
	decayRate float64
	path      string
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a Store, loading any persisted stats from path. A
// missing file is not an error; stats start empty.
func NewStore(path string, decayRate float64, logger *slog.Logger) *Store {
	s := &Store{
		stats:     map[string]*Stats{},
		decayRate: decayRate,
		path:      path,
		logger:    logger,
		now:       time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Error("failed to parse model stats file, starting empty", "error", err, "path", s.path)
		return
	}

	for model, fields := range raw {
		st := &Stats{LastUpdated: float64(s.now().Unix())}
		if v, ok := fields["failures"]; ok {
			_ = json.Unmarshal(v, &st.Failures)
		}
		if v, ok := fields["success"]; ok {
			_ = json.Unmarshal(v, &st.Successes)
		}
		if v, ok := fields["cooldown_until"]; ok {
			_ = json.Unmarshal(v, &st.CooldownUntil)
		}
		if v, ok := fields["last_updated"]; ok {
			_ = json.Unmarshal(v, &st.LastUpdated)
		}
		if v, ok := fields["failure_score"]; ok {
			_ = json.Unmarshal(v, &st.FailureScore)
		} else {
			// Legacy stats file predates failure_score: treat the
			// legacy failures counter as the initial score.
			st.FailureScore = float64(st.Failures)
		}
		s.stats[model] = st
	}
}

// get returns (creating if absent) the Stats for model. Caller must
// hold s.mu.
func (s *Store) get(model string) *Stats {
	st, ok := s.stats[model]
	if !ok {
		st = &Stats{LastUpdated: float64(s.now().Unix())}
		s.stats[model] = st
	}
	return st
}

// refresh applies wall-clock decay. Caller must hold s.mu.
func (s *Store) refresh(st *Stats) {
	now := s.now()
	elapsedMin := (float64(now.Unix()) - st.LastUpdated) / 60.0
	if elapsedMin > 0.1 {
		if st.FailureScore > 0 {
			decay := elapsedMin * s.decayRate
			st.FailureScore -= decay
			if st.FailureScore < 0 {
				st.FailureScore = 0
			}
		}
		st.LastUpdated = float64(now.Unix())
	}
}

// Get returns a snapshot of a model's stats after applying decay.
func (s *Store) Get(model string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(model)
	s.refresh(st)
	return *st
}

// RecordSuccess applies decay, clears cooldown, and subtracts the
// success bonus (2.0) from failure_score, then persists.
func (s *Store) RecordSuccess(model string) {
	s.mu.Lock()
	st := s.get(model)
	s.refresh(st)
	st.Successes++
	st.CooldownUntil = 0
	if st.FailureScore > 0 {
		st.FailureScore -= 2.0
		if st.FailureScore < 0 {
			st.FailureScore = 0
		}
	}
	st.LastUpdated = float64(s.now().Unix())
	s.mu.Unlock()
	s.persist()
}

// RecordFailure applies decay, then adds the failure's penalty and
// (if any) sets a cooldown deadline, per the error's classification.
func (s *Store) RecordFailure(model string, failErr *llmerrors.LLMError) {
	s.mu.Lock()
	st := s.get(model)
	s.refresh(st)
	st.Failures++
	st.FailureScore += failErr.FailurePenalty()
	if cooldown := failErr.CooldownSeconds(); cooldown > 0 {
		st.CooldownUntil = s.now().Unix() + int64(cooldown)
	}
	st.LastUpdated = float64(s.now().Unix())
	s.mu.Unlock()
	s.persist()
}

// AllStats returns a decayed snapshot of every tracked model, keyed by
// model id.
func (s *Store) AllStats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.stats))
	for model, st := range s.stats {
		s.refresh(st)
		out[model] = *st
	}
	return out
}

// Reconcile drops entries for models no longer present in the
// configuration and seeds zero-value entries for newly configured
// ones, per spec §5's config-change signal.
func (s *Store) Reconcile(configuredModels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(configuredModels))
	for _, m := range configuredModels {
		keep[m] = struct{}{}
		if _, ok := s.stats[m]; !ok {
			s.stats[m] = &Stats{LastUpdated: float64(s.now().Unix())}
		}
	}
	for model := range s.stats {
		if _, ok := keep[model]; !ok {
			delete(s.stats, model)
		}
	}
}

// persist writes the current stats to disk via a temp-file-then-rename
// swap so a crash mid-write cannot corrupt the file.
func (s *Store) persist() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.stats, "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to encode model stats", "error", err)
		return
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "model_stats-*.tmp")
	if err != nil {
		s.logger.Error("failed to create temp stats file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.Error("failed to write temp stats file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.logger.Error("failed to close temp stats file", "error", err)
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.logger.Error("failed to persist model stats", "error", err)
	}
}
