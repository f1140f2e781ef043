package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type WyomingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	DefaultVoice  string `yaml:"default_voice"`
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"`
}

type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	SampleWidth     int `yaml:"sample_width"`
	Channels        int `yaml:"channels"`
	ChunkDurationMS int `yaml:"chunk_duration_ms"`
}

type VoicesConfig struct {
	Directory     string `yaml:"directory"`
	MetadataPath  string `yaml:"metadata_path"`
	DefaultSample string `yaml:"default_sample"`
	ScanOnStart   bool   `yaml:"scan_on_start"`
}

type EngineConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	Device       string  `yaml:"device"`
	Exaggeration float64 `yaml:"exaggeration"`
	CFGWeight    float64 `yaml:"cfg_weight"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	CacheEntries int     `yaml:"cache_entries"`
}

type Config struct {
	ServerName  string          `yaml:"server_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Wyoming     WyomingConfig   `yaml:"wyoming"`
	Audio       AudioConfig     `yaml:"audio"`
	Voices      VoicesConfig    `yaml:"voices"`
	Engine      EngineConfig    `yaml:"engine"`
}

func Default() Config {
	return Config{
		ServerName:  "chatterboxd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Wyoming: WyomingConfig{
			Enabled:       true,
			Bind:          "0.0.0.0",
			Port:          10200,
			DefaultVoice:  "default",
			IdleTimeoutMS: 0,
		},
		Audio: AudioConfig{
			SampleRate:      24000,
			SampleWidth:     2,
			Channels:        1,
			ChunkDurationMS: 200,
		},
		Voices: VoicesConfig{
			Directory:     "./voices",
			MetadataPath:  "./data/voices.db",
			DefaultSample: "./voices/default.wav",
			ScanOnStart:   true,
		},
		Engine: EngineConfig{
			Mode:         "mock",
			Device:       "cpu",
			Exaggeration: 0.5,
			CFGWeight:    0.5,
			Temperature:  0.8,
			TimeoutMS:    45000,
			CacheEntries: 64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServerName, "CHATTERBOX_SERVER_NAME")
	overrideString(&cfg.Environment, "CHATTERBOX_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHATTERBOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHATTERBOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHATTERBOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHATTERBOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHATTERBOX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "CHATTERBOX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CHATTERBOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHATTERBOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CHATTERBOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHATTERBOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHATTERBOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHATTERBOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHATTERBOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHATTERBOX_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Wyoming.Enabled, "ENABLE_WYOMING")
	overrideString(&cfg.Wyoming.Bind, "WYOMING_HOST")
	overrideInt(&cfg.Wyoming.Port, "WYOMING_PORT")
	overrideString(&cfg.Wyoming.DefaultVoice, "DEFAULT_VOICE")
	overrideInt(&cfg.Wyoming.IdleTimeoutMS, "CHATTERBOX_WYOMING_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "CHATTERBOX_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.SampleWidth, "CHATTERBOX_AUDIO_SAMPLE_WIDTH")
	overrideInt(&cfg.Audio.Channels, "CHATTERBOX_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "CHATTERBOX_AUDIO_CHUNK_DURATION_MS")
	overrideString(&cfg.Voices.Directory, "CHATTERBOX_VOICES_DIRECTORY")
	overrideString(&cfg.Voices.MetadataPath, "CHATTERBOX_VOICES_METADATA_PATH")
	overrideString(&cfg.Voices.DefaultSample, "VOICE_SAMPLE_PATH")
	overrideBool(&cfg.Voices.ScanOnStart, "CHATTERBOX_VOICES_SCAN_ON_START")
	overrideString(&cfg.Engine.Mode, "CHATTERBOX_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "CHATTERBOX_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Device, "CHATTERBOX_ENGINE_DEVICE")
	overrideFloat(&cfg.Engine.Exaggeration, "EXAGGERATION")
	overrideFloat(&cfg.Engine.CFGWeight, "CFG_WEIGHT")
	overrideFloat(&cfg.Engine.Temperature, "TEMPERATURE")
	overrideInt(&cfg.Engine.TimeoutMS, "CHATTERBOX_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.CacheEntries, "CHATTERBOX_ENGINE_CACHE_ENTRIES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Wyoming.Enabled {
		if cfg.Wyoming.Port <= 0 || cfg.Wyoming.Port > 65535 {
			return errors.New("wyoming.port must be between 1 and 65535")
		}
		if cfg.Wyoming.DefaultVoice == "" {
			return errors.New("wyoming.default_voice must not be empty")
		}
		if cfg.Wyoming.IdleTimeoutMS < 0 {
			return errors.New("wyoming.idle_timeout_ms must be >= 0")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.SampleWidth != 1 && cfg.Audio.SampleWidth != 2 && cfg.Audio.SampleWidth != 4 {
		return errors.New("audio.sample_width must be 1, 2 or 4 bytes")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Voices.Directory == "" {
		return errors.New("voices.directory must not be empty")
	}
	if cfg.Voices.MetadataPath == "" {
		return errors.New("voices.metadata_path must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Device {
	case "cpu", "cuda", "mps":
	default:
		return errors.New("engine.device must be one of cpu|cuda|mps")
	}
	if cfg.Engine.Exaggeration < 0.25 || cfg.Engine.Exaggeration > 2.0 {
		return errors.New("engine.exaggeration must be between 0.25 and 2.0")
	}
	if cfg.Engine.CFGWeight < 0.0 || cfg.Engine.CFGWeight > 1.0 {
		return errors.New("engine.cfg_weight must be between 0.0 and 1.0")
	}
	if cfg.Engine.Temperature < 0.05 || cfg.Engine.Temperature > 5.0 {
		return errors.New("engine.temperature must be between 0.05 and 5.0")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Engine.CacheEntries < 0 {
		return errors.New("engine.cache_entries must be >= 0")
	}
	return nil
}
