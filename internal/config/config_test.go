package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesSourceDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if got, want := cfg.Models.T1, []string{"gpt-3.5-turbo", "gpt-4o-mini"}; !equalStrings(got, want) {
		t.Fatalf("T1 = %v, want %v", got, want)
	}
	if got, want := cfg.Timeouts.Connect["t3"], 30000; got != want {
		t.Fatalf("connect[t3] = %d, want %d", got, want)
	}
	if got, want := cfg.Retries.Conditions.StatusCodes, []int{429, 500, 502, 503, 504}; !equalInts(got, want) {
		t.Fatalf("status codes = %v, want %v", got, want)
	}
	if cfg.Retries.Conditions.RetryOnEmpty != true {
		t.Fatal("expected retry_on_empty default true")
	}
	if cfg.Health.DecayRate != 0.05 {
		t.Fatalf("decay rate = %v, want 0.05", cfg.Health.DecayRate)
	}
	if cfg.Router.Enabled {
		t.Fatal("expected router disabled by default")
	}
	if cfg.Router.PromptTemplate == "" {
		t.Fatal("expected compiled-in router prompt template")
	}
}

func TestLoadFromFileCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if len(cfg.Models.T1) == 0 {
		t.Fatal("expected default models populated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file written, stat error = %v", err)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("GATEWAY_UPSTREAM_KEY", "sk-test-123")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server":{"port":8080},"models":{"t1":["gpt-3.5-turbo"]},"providers":{"upstream":{"base_url":"https://api.openai.com/v1","api_key":"${GATEWAY_UPSTREAM_KEY}","verify_ssl":true}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Providers.Upstream.APIKey != "sk-test-123" {
		t.Fatalf("api key = %q, want expanded value", cfg.Providers.Upstream.APIKey)
	}
}

func TestLoadFromFileMigratesLegacyShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	legacy := `{
		"t1_models": ["legacy-t1-model"],
		"t2_models": ["legacy-t2-model"],
		"upstream_base_url": "https://legacy.example.com/v1",
		"upstream_api_key": "legacy-key",
		"decay_rate": 0.1
	}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if got, want := cfg.Models.T1, []string{"legacy-t1-model"}; !equalStrings(got, want) {
		t.Fatalf("T1 = %v, want %v", got, want)
	}
	if cfg.Providers.Upstream.BaseURL != "https://legacy.example.com/v1" {
		t.Fatalf("base url = %q", cfg.Providers.Upstream.BaseURL)
	}
	if cfg.Health.DecayRate != 0.1 {
		t.Fatalf("decay rate = %v, want 0.1", cfg.Health.DecayRate)
	}

	backupPath := filepath.Join(dir, "config.backup.json")
	backup, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("expected backup file, error = %v", err)
	}
	if string(backup) != legacy {
		t.Fatal("backup content does not match original legacy file")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Strategies["t1"] = "round-robin"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown strategy")
	}
}

func TestValidateRejectsEmptyModelPools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.T1, cfg.Models.T2, cfg.Models.T3 = nil, nil, nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty model pools")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
