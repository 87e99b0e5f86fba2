// Package config provides the gateway's immutable configuration snapshot
// and hot-reload support. It uses fsnotify to watch for file changes and
// atomic pointer swaps so readers never observe a torn configuration.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Tier is a coarse complexity class that selects a model pool and a
// timeout/retry budget.
type Tier string

const (
	TierT1 Tier = "t1"
	TierT2 Tier = "t2"
	TierT3 Tier = "t3"
)

// Config is the complete immutable configuration snapshot. It is never
// mutated in place; updates replace the whole value behind Manager's
// atomic pointer.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Models    ModelsConfig     `json:"models"`
	Timeouts  TimeoutsConfig   `json:"timeouts"`
	Retries   RetriesConfig    `json:"retries"`
	Providers ProvidersConfig  `json:"providers"`
	Router    RouterConfig     `json:"router"`
	Health    HealthConfig     `json:"health"`
	Params    ParamsConfig     `json:"params"`
	General   GeneralConfig    `json:"general"`
	Logging   LoggingConfig    `json:"logging"`
	Metrics   MetricsConfig    `json:"metrics"`

	// StatsFile is where the HealthStore persists. Not part of the
	// original wire shape; injected by the process at load time.
	StatsFile string `json:"-"`
}

// ServerConfig contains the HTTP listener settings for the edge that
// accepts chat-completion requests. The edge itself (auth, routing to
// this engine) is an external collaborator; only the knobs the engine
// needs to know about live here.
type ServerConfig struct {
	Port         int `json:"port"`
	MetricsPort  int `json:"metrics_port"`
}

// ModelsConfig holds the per-tier ordered model pools and routing
// strategy selection.
type ModelsConfig struct {
	T1         []string         `json:"t1"`
	T2         []string         `json:"t2"`
	T3         []string         `json:"t3"`
	Strategies map[string]string `json:"strategies"`
}

func (m ModelsConfig) ForTier(t Tier) []string {
	switch t {
	case TierT1:
		return m.T1
	case TierT2:
		return m.T2
	case TierT3:
		return m.T3
	default:
		return nil
	}
}

func (m ModelsConfig) StrategyForTier(t Tier) string {
	if s, ok := m.Strategies[string(t)]; ok && s != "" {
		return s
	}
	return "sequential"
}

// TimeoutsConfig holds the per-tier TTFT ("connect") and total
// generation budgets, in milliseconds.
type TimeoutsConfig struct {
	Connect    map[string]int `json:"connect"`
	Generation map[string]int `json:"generation"`
}

func (t TimeoutsConfig) ConnectMs(tier Tier, fallback int) int {
	if v, ok := t.Connect[string(tier)]; ok {
		return v
	}
	return fallback
}

func (t TimeoutsConfig) GenerationMs(tier Tier, fallback int) int {
	if v, ok := t.Generation[string(tier)]; ok {
		return v
	}
	return fallback
}

// RetriesConfig holds per-tier round counts and the global retry
// conditions that classify a non-200 or malformed response as
// retryable.
type RetriesConfig struct {
	Rounds     map[string]int  `json:"rounds"`
	Conditions RetryConditions `json:"conditions"`
}

func (r RetriesConfig) RoundsForTier(tier Tier) int {
	if v, ok := r.Rounds[string(tier)]; ok && v >= 1 {
		return v
	}
	return 1
}

// RetryConditions classifies upstream non-success responses as
// retryable by status code or by a case-insensitive keyword match
// against the response body.
type RetryConditions struct {
	StatusCodes  []int    `json:"status_codes"`
	ErrorKeywords []string `json:"error_keywords"`
	RetryOnEmpty  bool     `json:"retry_on_empty"`
}

func (r RetryConditions) StatusCodeMatches(code int) bool {
	for _, c := range r.StatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// KeywordMatch returns the first configured keyword found (case
// insensitively) in body, or "" if none match.
func (r RetryConditions) KeywordMatch(body string) string {
	lower := strings.ToLower(body)
	for _, kw := range r.ErrorKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

// ProvidersConfig resolves a model entry to an outbound base URL, API
// key, and wire protocol.
type ProvidersConfig struct {
	Upstream UpstreamConfig            `json:"upstream"`
	Custom   map[string]ProviderConfig `json:"custom"`
	Map      map[string]string         `json:"map"`

	// StrictUnknownProvider, when true, rejects (at load time) any
	// configured model entry with a "provider/model" prefix whose
	// provider id is not present in Custom. Default false preserves
	// the source behaviour of silently falling back to the default
	// upstream while keeping the full slashed string as the outbound
	// model name. See the Open Question in spec.md §9; DESIGN.md
	// records the decision.
	StrictUnknownProvider bool `json:"strict_unknown_provider"`
}

// UpstreamConfig is the default outbound endpoint used when a model
// entry has no provider prefix and no providers.map entry.
type UpstreamConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	VerifySSL bool   `json:"verify_ssl"`
}

// ProviderConfig is one named custom upstream. Protocol selects the
// wire format: "openai" (chat-completions, SSE-aggregated) or
// "v1-messages" (Anthropic-style messages, translated by
// internal/protocol).
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Protocol  string `json:"protocol"`
	VerifySSL bool   `json:"verify_ssl"`
}

// RouterConfig configures the optional router-model classifier used
// by TierClassifier.
type RouterConfig struct {
	Enabled        bool   `json:"enabled"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	VerifySSL      bool   `json:"verify_ssl"`
	PromptTemplate string `json:"prompt_template"`
}

// HealthConfig configures HealthStore decay.
type HealthConfig struct {
	DecayRate float64 `json:"decay_rate"`
}

// ParamsConfig holds default request parameters merged under the
// caller's explicit fields.
type ParamsConfig struct {
	GlobalParams map[string]any            `json:"global_params"`
	ModelParams  map[string]map[string]any `json:"model_params"`
}

// GeneralConfig holds settings owned by the external edge collaborator
// but threaded through the snapshot for convenience (e.g. log
// retention is enforced by the out-of-scope sweeper, not this engine).
type GeneralConfig struct {
	LogRetentionDays int `json:"log_retention_days"`
}

// LoggingConfig holds the logging section of the config file. It is
// parsed but not read: the process logger always runs at info level
// with JSON output.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig controls the Prometheus scrape endpoint. Enabled turns
// the metrics listener on or off; Path is not read, and the endpoint is
// always served at /metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

const defaultRouterPromptTemplate = `You are an intelligent router for an LLM system. Your job is to classify the USER'S INTENT into one of three tiers (T1, T2, T3) to select the most appropriate model.

**TIER DEFINITIONS:**

**T1 (Speed / Chat / Simple QA)**:
- Casual conversation, greetings, roleplay.
- Simple factual questions (e.g., "Who is Newton?", "Translate this").
- Summary of short text provided in context.
- **Key:** Low reasoning depth, no external tools needed, safe for smaller/faster models.

**T2 (Reasoning / Coding / Tools)**:
- **Coding:** Writing code, debugging, explaining complex code, SQL queries.
- **Reasoning:** Logic puzzles, math problems, complex analysis.
- **Tool Use:** Explicit requests to search the web, check weather, read files.
- **Creative Writing:** Long stories, detailed emails, nuances.
- **Key:** Requires capabilities of GPT-4/Claude-3.5-Sonnet level models.

**T3 (Complex Agentic / Deep Logic)**:
- **Multi-step Complex Tasks:** "Research topic X, write a report, and save it to a file."
- **Deep Architecting:** System design, complex project planning.
- **High Risk:** Sensitive operations requiring maximum intelligence and safety.
- **Key:** Requires SOTA models (o1, Claude-3-Opus).

**INPUT CONTEXT (User History):**
{history}

**INSTRUCTIONS:**
1. Analyze the *latest* user request in the context of the history.
2. If the user asks for code, IT IS T2.
3. If the user asks for search/internet, IT IS T2.
4. If it's simple chat, IT IS T1.
5. Respond ONLY with the label: "T1", "T2", or "T3".`

// DefaultConfig returns a configuration with sensible defaults, matching
// the source system's compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, MetricsPort: 9090},
		Models: ModelsConfig{
			T1:         []string{"gpt-3.5-turbo", "gpt-4o-mini"},
			T2:         []string{"gpt-4", "gpt-4-turbo"},
			T3:         []string{"gpt-4-32k", "claude-3-opus"},
			Strategies: map[string]string{"t1": "sequential", "t2": "sequential", "t3": "sequential"},
		},
		Timeouts: TimeoutsConfig{
			Connect:    map[string]int{"t1": 5000, "t2": 15000, "t3": 30000},
			Generation: map[string]int{"t1": 300000, "t2": 300000, "t3": 300000},
		},
		Retries: RetriesConfig{
			Rounds: map[string]int{"t1": 1, "t2": 1, "t3": 1},
			Conditions: RetryConditions{
				StatusCodes:   []int{429, 500, 502, 503, 504},
				ErrorKeywords: []string{"rate limit", "quota exceeded", "overloaded", "timeout", "try again"},
				RetryOnEmpty:  true,
			},
		},
		Providers: ProvidersConfig{
			Upstream: UpstreamConfig{BaseURL: "https://api.openai.com/v1", VerifySSL: true},
			Custom:   map[string]ProviderConfig{},
			Map:      map[string]string{},
		},
		Router: RouterConfig{
			Enabled:        false,
			Model:          "gpt-3.5-turbo",
			BaseURL:        "https://api.openai.com/v1",
			VerifySSL:      true,
			PromptTemplate: defaultRouterPromptTemplate,
		},
		Health: HealthConfig{DecayRate: 0.05},
		Params: ParamsConfig{
			GlobalParams: map[string]any{},
			ModelParams:  map[string]map[string]any{},
		},
		General: GeneralConfig{LogRetentionDays: 7},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadFromFile reads and parses a JSON configuration file, expanding
// ${VAR}-style environment variables first. A legacy flat shape is
// auto-migrated into the nested shape, with the original file backed
// up once beside it with ".json" replaced by ".backup.json"
// (config.json -> config.backup.json).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.StatsFile = defaultStatsFile(path)
			return cfg, writeDefault(path, cfg)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if isLegacyShape(expanded) {
		cfg, err := migrateLegacyConfig(expanded)
		if err != nil {
			return nil, fmt.Errorf("migrate legacy config: %w", err)
		}
		if err := backupOnce(path, data); err != nil {
			return nil, fmt.Errorf("backup legacy config: %w", err)
		}
		cfg.StatsFile = defaultStatsFile(path)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		if err := writeDefault(path, cfg); err != nil {
			return nil, fmt.Errorf("persist migrated config: %w", err)
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	if err := unmarshalJSON([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.StatsFile = defaultStatsFile(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func defaultStatsFile(configPath string) string {
	dir := ""
	if idx := strings.LastIndexByte(configPath, '/'); idx >= 0 {
		dir = configPath[:idx+1]
	}
	return dir + "model_stats.json"
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Models.T1) == 0 && len(c.Models.T2) == 0 && len(c.Models.T3) == 0 {
		return fmt.Errorf("at least one tier must have a configured model")
	}
	for tier, strategy := range c.Models.Strategies {
		switch strategy {
		case "sequential", "random", "adaptive":
		default:
			return fmt.Errorf("models.strategies[%s]: invalid strategy %q", tier, strategy)
		}
	}
	for id, p := range c.Providers.Custom {
		switch p.Protocol {
		case "", "openai", "v1-messages":
		default:
			return fmt.Errorf("providers.custom[%s]: invalid protocol %q", id, p.Protocol)
		}
	}
	if c.Providers.StrictUnknownProvider {
		for _, tier := range [][]string{c.Models.T1, c.Models.T2, c.Models.T3} {
			for _, entry := range tier {
				idx := strings.IndexByte(entry, '/')
				if idx <= 0 || idx >= len(entry)-1 {
					continue
				}
				providerID := entry[:idx]
				if _, ok := c.Providers.Custom[providerID]; !ok {
					return fmt.Errorf("models: entry %q references unknown provider %q (providers.strict_unknown_provider is true)", entry, providerID)
				}
			}
		}
	}
	if c.Health.DecayRate < 0 {
		return fmt.Errorf("health.decay_rate cannot be negative")
	}
	for tier, n := range c.Retries.Rounds {
		if n < 1 {
			return fmt.Errorf("retries.rounds[%s] must be >= 1", tier)
		}
	}
	return nil
}
