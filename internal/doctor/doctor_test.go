package doctor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/doctor"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	home := t.TempDir()
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func result(t *testing.T, d doctor.Diagnosis, name string) doctor.CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return doctor.CheckResult{}
}

func TestRun_DefaultsPassOffline(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg := loadConfig(t, "")
	d := doctor.Run(context.Background(), cfg, "v-test", doctor.Options{SkipNetwork: true})

	if d.System.Version != "v-test" || d.System.OS == "" {
		t.Fatalf("unexpected system info %+v", d.System)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if r := result(t, d, "Config"); r.Status != doctor.StatusWarn {
		t.Fatalf("missing config.yaml should warn, got %+v", r)
	}
	for _, name := range []string{"API Key", "Permissions", "Database", "Schedules", "Hooks", "Exposure"} {
		if r := result(t, d, name); r.Status != doctor.StatusPass {
			t.Fatalf("%s = %+v, want PASS", name, r)
		}
	}
	for _, r := range d.Results {
		if r.Name == "Network" {
			t.Fatal("network check should be skipped")
		}
	}
}

func TestRun_MissingAPIKeyWarns(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := loadConfig(t, "llm:\n  provider: anthropic\n  model: claude-x\n")
	d := doctor.Run(context.Background(), cfg, "v", doctor.Options{SkipNetwork: true})
	if r := result(t, d, "API Key"); r.Status != doctor.StatusWarn || !strings.Contains(r.Message, "anthropic") {
		t.Fatalf("API Key = %+v", r)
	}
}

func TestRun_InvalidScheduleCronFails(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg := loadConfig(t, `
schedules:
  - name: good
    prompt: hi
    cron: "*/5 * * * *"
  - name: broken
    prompt: hi
    cron: "not a cron"
`)
	d := doctor.Run(context.Background(), cfg, "v", doctor.Options{SkipNetwork: true})
	r := result(t, d, "Schedules")
	if r.Status != doctor.StatusFail || !strings.Contains(r.Detail, "broken") || strings.Contains(r.Detail, "good") {
		t.Fatalf("Schedules = %+v", r)
	}
	if !d.Failed() {
		t.Fatal("Failed() should be true")
	}
}

func TestRun_HookWithoutBrokerFails(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg := loadConfig(t, `
hooks:
  - type: redis
    channel: done
  - type: telegram
`)
	d := doctor.Run(context.Background(), cfg, "v", doctor.Options{SkipNetwork: true})
	r := result(t, d, "Hooks")
	if r.Status != doctor.StatusFail {
		t.Fatalf("Hooks = %+v", r)
	}
	if !strings.Contains(r.Detail, "redis.addr") || !strings.Contains(r.Detail, "telegram.token") {
		t.Fatalf("detail %q should name both problems", r.Detail)
	}
}

func TestRun_ExposureWarnsWithoutAuth(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg := loadConfig(t, "bind_addr: 0.0.0.0:9000\n")
	d := doctor.Run(context.Background(), cfg, "v", doctor.Options{SkipNetwork: true})
	if r := result(t, d, "Exposure"); r.Status != doctor.StatusWarn {
		t.Fatalf("Exposure = %+v", r)
	}

	cfg.Auth.Token = "secret"
	d = doctor.Run(context.Background(), cfg, "v", doctor.Options{SkipNetwork: true})
	if r := result(t, d, "Exposure"); r.Status != doctor.StatusPass {
		t.Fatalf("Exposure with auth = %+v", r)
	}
}

func TestRun_LoadErrorSkipsDependentChecks(t *testing.T) {
	d := doctor.Run(context.Background(), nil, "v", doctor.Options{SkipNetwork: true, LoadError: errors.New("parse config.yaml: bad")})
	if r := result(t, d, "Config"); r.Status != doctor.StatusFail || !strings.Contains(r.Detail, "bad") {
		t.Fatalf("Config = %+v", r)
	}
	for _, r := range d.Results[1:] {
		if r.Status != doctor.StatusSkip {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestRun_NetworkSkipsUnknownProvider(t *testing.T) {
	cfg := loadConfig(t, "llm:\n  provider: ollama\n  model: llama3\n")
	d := doctor.Run(context.Background(), cfg, "v", doctor.Options{})
	if r := result(t, d, "Network"); r.Status != doctor.StatusSkip {
		t.Fatalf("Network = %+v", r)
	}
	if r := result(t, d, "API Key"); r.Status != doctor.StatusPass {
		t.Fatalf("API Key = %+v", r)
	}
}
