package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("AGENCY_TEST_KEY", "sk-live")
	dir := t.TempDir()
	path := filepath.Join(dir, "agency.json")
	body := `{
		"server": {"port": ${AGENCY_TEST_PORT:9090}},
		"backends": {"openai": {"api_key": "${AGENCY_TEST_KEY}"}},
		"retry": {"attempts": 5, "delay": "250ms"},
		"pipeline": {"test_timeout": 3}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Backends.OpenAI.APIKey != "sk-live" {
		t.Errorf("got api key %q, want sk-live", cfg.Backends.OpenAI.APIKey)
	}
	if cfg.Backends.OpenAI.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("openai endpoint default not applied: %q", cfg.Backends.OpenAI.Endpoint)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.Delay.Std() != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Pipeline.TestTimeout.Std() != 3*time.Second {
		t.Errorf("got test timeout %v, want 3s", cfg.Pipeline.TestTimeout.Std())
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Delay.Std() != 2*time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Backends.OpenAI.Endpoint != "" {
		t.Errorf("openai must stay unconfigured without a key, got endpoint %q", cfg.Backends.OpenAI.Endpoint)
	}
	if cfg.Backends.Local.Endpoint != "http://localhost:11434" {
		t.Errorf("got local endpoint %q", cfg.Backends.Local.Endpoint)
	}
	if cfg.Backends.Local.MaxTokens != 2000 || cfg.Backends.Local.Temperature != 0.7 {
		t.Errorf("local generation options = %d/%g", cfg.Backends.Local.MaxTokens, cfg.Backends.Local.Temperature)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.TestTimeout.Std() != 10*time.Second {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDisabledBackendStaysUnconfigured(t *testing.T) {
	cfg, err := Parse([]byte(`{"backends": {
		"local": {"disabled": true},
		"openai": {"disabled": true, "api_key": "sk-live"}
	}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backends.Local.Endpoint != "" {
		t.Errorf("disabled local backend got endpoint %q", cfg.Backends.Local.Endpoint)
	}
	if cfg.Backends.OpenAI.Endpoint != "" || cfg.Backends.OpenAI.APIKey != "" {
		t.Errorf("disabled openai backend kept %q / %q", cfg.Backends.OpenAI.Endpoint, cfg.Backends.OpenAI.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled backends should validate: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg, _ := Parse([]byte(`{}`))
	cfg.Retry.Attempts = -1
	cfg.Pipeline.ContainerTool = "lxc"
	cfg.Pipeline.Denylist = []string{"("}
	cfg.Notify.Slack.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"retry.attempts", "container_tool", "denylist", "notify.slack"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
