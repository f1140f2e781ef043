package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Wyoming.Port != 10200 {
		t.Fatalf("expected default wyoming port 10200, got %d", cfg.Wyoming.Port)
	}
	if cfg.Wyoming.DefaultVoice != "default" {
		t.Fatalf("expected default voice %q, got %q", "default", cfg.Wyoming.DefaultVoice)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.SampleWidth != 2 || cfg.Audio.Channels != 1 {
		t.Fatalf("unexpected default audio format: %+v", cfg.Audio)
	}
	if cfg.Engine.Exaggeration != 0.5 || cfg.Engine.CFGWeight != 0.5 || cfg.Engine.Temperature != 0.8 {
		t.Fatalf("unexpected default engine params: %+v", cfg.Engine)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "chatterbox.yaml")
	data := []byte(`
wyoming:
  bind: 127.0.0.1
  port: 10300
  default_voice: emma
engine:
  mode: exec
  command: "chatterbox-synth --stdin"
voices:
  directory: /srv/voices
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Wyoming.Bind != "127.0.0.1" || cfg.Wyoming.Port != 10300 {
		t.Fatalf("expected yaml listener override, got %+v", cfg.Wyoming)
	}
	if cfg.Wyoming.DefaultVoice != "emma" {
		t.Fatalf("expected default voice emma, got %q", cfg.Wyoming.DefaultVoice)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "chatterbox-synth --stdin" {
		t.Fatalf("expected exec engine override, got %+v", cfg.Engine)
	}
	if cfg.Voices.Directory != "/srv/voices" {
		t.Fatalf("expected voices directory override, got %q", cfg.Voices.Directory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENABLE_WYOMING", "false")
	t.Setenv("WYOMING_HOST", "127.0.0.1")
	t.Setenv("WYOMING_PORT", "10201")
	t.Setenv("DEFAULT_VOICE", "narrator")
	t.Setenv("VOICE_SAMPLE_PATH", "/opt/voices/neutral.wav")
	t.Setenv("EXAGGERATION", "1.25")
	t.Setenv("CFG_WEIGHT", "0.7")
	t.Setenv("TEMPERATURE", "0.45")
	t.Setenv("CHATTERBOX_BUS_ENABLED", "true")
	t.Setenv("CHATTERBOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CHATTERBOX_BUS_EMBEDDED", "false")
	t.Setenv("CHATTERBOX_WYOMING_IDLE_TIMEOUT_MS", "30000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Wyoming.Enabled {
		t.Fatal("expected wyoming enable override false")
	}
	if cfg.Wyoming.Bind != "127.0.0.1" || cfg.Wyoming.Port != 10201 {
		t.Fatalf("expected listener override, got %+v", cfg.Wyoming)
	}
	if cfg.Wyoming.DefaultVoice != "narrator" {
		t.Fatalf("expected default voice override, got %q", cfg.Wyoming.DefaultVoice)
	}
	if cfg.Wyoming.IdleTimeoutMS != 30000 {
		t.Fatalf("expected idle timeout override, got %d", cfg.Wyoming.IdleTimeoutMS)
	}
	if cfg.Voices.DefaultSample != "/opt/voices/neutral.wav" {
		t.Fatalf("expected sample path override, got %q", cfg.Voices.DefaultSample)
	}
	if cfg.Engine.Exaggeration != 1.25 || cfg.Engine.CFGWeight != 0.7 || cfg.Engine.Temperature != 0.45 {
		t.Fatalf("expected engine param overrides, got %+v", cfg.Engine)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad wyoming port", func(c *Config) { c.Wyoming.Port = 0 }},
		{"empty default voice", func(c *Config) { c.Wyoming.DefaultVoice = "" }},
		{"bad sample width", func(c *Config) { c.Audio.SampleWidth = 3 }},
		{"bad chunk duration", func(c *Config) { c.Audio.ChunkDurationMS = 0 }},
		{"bad engine mode", func(c *Config) { c.Engine.Mode = "remote" }},
		{"exec without command", func(c *Config) { c.Engine.Mode = "exec"; c.Engine.Command = "" }},
		{"bad device", func(c *Config) { c.Engine.Device = "tpu" }},
		{"exaggeration out of range", func(c *Config) { c.Engine.Exaggeration = 3.0 }},
		{"cfg weight out of range", func(c *Config) { c.Engine.CFGWeight = 1.5 }},
		{"temperature out of range", func(c *Config) { c.Engine.Temperature = 0.0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
