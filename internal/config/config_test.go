package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redline/internal/config"
)

func TestFromYAMLMergesOverDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
targets:
  local:
    endpoint: http://localhost:9000/v1/chat/completions
    provider: openai
retry:
  max_retries: 5
  backoff_base_ms: 100
  backoff_factor: 2
  backoff_cap_ms: 1000
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("max_retries = %d", cfg.Retry.MaxRetries)
	}
	// defaults survive for sections the file omits
	if cfg.Engine.FailureRatio != 0.5 || cfg.Engine.DefaultTimeout != 30 {
		t.Fatalf("engine defaults lost: %+v", cfg.Engine)
	}
	if cfg.Targets["local"].Provider != "openai" {
		t.Fatalf("target missing: %+v", cfg.Targets)
	}
}

func TestFromYAMLExpandsEnv(t *testing.T) {
	t.Setenv("REDLINE_TEST_TOKEN", "tok-123")
	cfg, err := config.FromYAML([]byte(`
auth:
  token: ${REDLINE_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.Token != "tok-123" {
		t.Fatalf("token = %q", cfg.Auth.Token)
	}
}

func TestValidateRejectsBadTarget(t *testing.T) {
	cases := []string{
		"targets:\n  bad:\n    provider: raw\n",
		"targets:\n  bad:\n    endpoint: http://x\n",
		"targets:\n  bad:\n    endpoint: http://x\n    provider: raw\n    auth_header: Authorization\n",
	}
	for _, in := range cases {
		if _, err := config.FromYAML([]byte(in)); err == nil {
			t.Fatalf("expected validation error for:\n%s", in)
		}
	}
}

func TestValidateRejectsBadEngineSettings(t *testing.T) {
	if _, err := config.FromYAML([]byte("engine:\n  failure_ratio: 1.5\n")); err == nil {
		t.Fatal("expected failure_ratio error")
	}
	if _, err := config.FromYAML([]byte("retry:\n  backoff_base_ms: 100\n  backoff_cap_ms: 10\n  backoff_factor: 2\n")); err == nil {
		t.Fatal("expected backoff cap error")
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("got %+v", cfg.Retry)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("default template should parse: %v", err)
	}
	if cfg.Engine.FailureRatio != 0.5 {
		t.Fatalf("got %+v", cfg.Engine)
	}
}
