package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Monitor.Interval.Duration != 10*time.Minute || cfg.Monitor.CallTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected monitor defaults %+v", cfg.Monitor)
	}
	if !cfg.Monitor.RunOnStart || cfg.Monitor.LookupRetries != 0 {
		t.Fatalf("unexpected monitor defaults %+v", cfg.Monitor)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
ticktick:
  access_token: abc
monitor:
  interval: 90s
  timezone: Europe/Berlin
notify:
  webhooks:
    - url: http://localhost:9000/hook
      events: [deleted]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Monitor.Interval.Duration != 90*time.Second {
		t.Fatalf("interval = %v", cfg.Monitor.Interval)
	}
	if cfg.Monitor.CallTimeout.Duration != 30*time.Second {
		t.Fatalf("unset fields should keep defaults, call_timeout = %v", cfg.Monitor.CallTimeout)
	}
	if cfg.TickTick.BaseURL == "" || cfg.TickTick.AccessToken != "abc" {
		t.Fatalf("ticktick = %+v", cfg.TickTick)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("location %v %v", loc, err)
	}
	if len(cfg.Notify.Webhooks) != 1 || !cfg.Notify.Webhooks[0].Active() {
		t.Fatalf("webhooks = %+v", cfg.Notify.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"interval":      "monitor:\n  interval: 0s\n",
		"duration":      "monitor:\n  interval: soon\n",
		"retries":       "monitor:\n  lookup_retries: -1\n",
		"timezone":      "monitor:\n  timezone: Mars/Olympus\n",
		"base url":      "ticktick:\n  base_url: not-a-url\n",
		"refresh":       "ticktick:\n  refresh_token: rt\n",
		"webhook url":   "notify:\n  webhooks:\n    - events: [completed]\n",
		"webhook event": "notify:\n  webhooks:\n    - url: http://x\n      events: [reopened]\n",
		"log level":     "log:\n  level: loud\n",
		"log format":    "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.TickTick.AccessToken = "secret-token"
	cfg.API.JWTSecret = "jwt"
	cfg.Notify.Webhooks = []WebhookConfig{{URL: "http://x", Secret: "hook"}}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"secret-token", "jwt\n", "hook\n"} {
		if strings.Contains(string(out), secret) {
			t.Fatalf("redacted output leaks %q:\n%s", secret, out)
		}
	}
	if cfg.Notify.Webhooks[0].Secret != "hook" {
		t.Fatalf("redaction mutated the source config")
	}
	if !strings.Contains(string(out), "interval: 10m0s") {
		t.Fatalf("durations should marshal as strings:\n%s", out)
	}
}
