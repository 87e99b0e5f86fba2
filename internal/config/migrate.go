package config

import (
	"os"
	"strings"

	"github.com/goccy/go-json"
)

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func writeDefault(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// isLegacyShape detects the flat pre-migration config shape by the
// presence of its signature top-level key, mirroring
// config_manager.py::load_config's "t1_models" in data check.
func isLegacyShape(jsonText string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonText), &probe); err != nil {
		return false
	}
	_, ok := probe["t1_models"]
	return ok
}

// legacyConfig mirrors the flat shape produced by older builds, as
// described by config_manager.py's pre-migration field set.
type legacyConfig struct {
	T1Models         []string           `json:"t1_models"`
	T2Models         []string           `json:"t2_models"`
	T3Models         []string           `json:"t3_models"`
	Strategies       map[string]string  `json:"strategies"`
	ConnectTimeouts  map[string]int     `json:"connect_timeouts"`
	GenTimeouts      map[string]int     `json:"generation_timeouts"`
	RetryRounds      map[string]int     `json:"retry_rounds"`
	StatusCodes      []int              `json:"status_codes"`
	ErrorKeywords    []string           `json:"error_keywords"`
	RetryOnEmpty     *bool              `json:"retry_on_empty"`
	UpstreamBaseURL  string             `json:"upstream_base_url"`
	UpstreamAPIKey   string             `json:"upstream_api_key"`
	UpstreamVerify   *bool              `json:"upstream_verify_ssl"`
	CustomProviders  map[string]ProviderConfig `json:"custom_providers"`
	ProviderMap      map[string]string  `json:"provider_map"`
	RouterEnabled    bool               `json:"router_enabled"`
	RouterModel      string             `json:"router_model"`
	RouterBaseURL    string             `json:"router_base_url"`
	RouterAPIKey     string             `json:"router_api_key"`
	DecayRate        *float64           `json:"decay_rate"`
}

// migrateLegacyConfig maps the flat legacy shape onto the nested
// Config, filling in defaults for anything the legacy shape never
// carried, matching config_manager.py::_migrate_config field by field.
func migrateLegacyConfig(jsonText string) (*Config, error) {
	var legacy legacyConfig
	if err := json.Unmarshal([]byte(jsonText), &legacy); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	if len(legacy.T1Models) > 0 {
		cfg.Models.T1 = legacy.T1Models
	}
	if len(legacy.T2Models) > 0 {
		cfg.Models.T2 = legacy.T2Models
	}
	if len(legacy.T3Models) > 0 {
		cfg.Models.T3 = legacy.T3Models
	}
	if legacy.Strategies != nil {
		cfg.Models.Strategies = legacy.Strategies
	}
	if legacy.ConnectTimeouts != nil {
		cfg.Timeouts.Connect = legacy.ConnectTimeouts
	}
	if legacy.GenTimeouts != nil {
		cfg.Timeouts.Generation = legacy.GenTimeouts
	}
	if legacy.RetryRounds != nil {
		cfg.Retries.Rounds = legacy.RetryRounds
	}
	if legacy.StatusCodes != nil {
		cfg.Retries.Conditions.StatusCodes = legacy.StatusCodes
	}
	if legacy.ErrorKeywords != nil {
		cfg.Retries.Conditions.ErrorKeywords = legacy.ErrorKeywords
	}
	if legacy.RetryOnEmpty != nil {
		cfg.Retries.Conditions.RetryOnEmpty = *legacy.RetryOnEmpty
	}
	if legacy.UpstreamBaseURL != "" {
		cfg.Providers.Upstream.BaseURL = legacy.UpstreamBaseURL
	}
	if legacy.UpstreamAPIKey != "" {
		cfg.Providers.Upstream.APIKey = legacy.UpstreamAPIKey
	}
	if legacy.UpstreamVerify != nil {
		cfg.Providers.Upstream.VerifySSL = *legacy.UpstreamVerify
	}
	if legacy.CustomProviders != nil {
		cfg.Providers.Custom = legacy.CustomProviders
	}
	if legacy.ProviderMap != nil {
		cfg.Providers.Map = legacy.ProviderMap
	}
	cfg.Router.Enabled = legacy.RouterEnabled
	if legacy.RouterModel != "" {
		cfg.Router.Model = legacy.RouterModel
	}
	if legacy.RouterBaseURL != "" {
		cfg.Router.BaseURL = legacy.RouterBaseURL
	}
	if legacy.RouterAPIKey != "" {
		cfg.Router.APIKey = legacy.RouterAPIKey
	}
	if legacy.DecayRate != nil {
		cfg.Health.DecayRate = *legacy.DecayRate
	}

	return cfg, nil
}

// backupOnce copies the original file content to backupPathFor(path)
// (config.json -> config.backup.json) unless a backup already exists, matching config_manager.py's
// shutil.copy2 call before rewriting a migrated config.
func backupOnce(path string, original []byte) error {
	backupPath := backupPathFor(path)
	if _, err := os.Stat(backupPath); err == nil {
		return nil
	}
	return os.WriteFile(backupPath, original, 0o644)
}

func backupPathFor(path string) string {
	if strings.HasSuffix(path, ".json") {
		return strings.TrimSuffix(path, ".json") + ".backup.json"
	}
	return path + ".backup.json"
}
