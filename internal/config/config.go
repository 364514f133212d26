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
	// Traces selects the span exporter: otlp, stdout or none. Empty picks
	// otlp when an endpoint is set and stdout otherwise.
	Traces string `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	Bridge      BridgeConfig     `yaml:"bridge"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Permission  PermissionConfig `yaml:"permission"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

// BridgeConfig controls the caller-facing method channel.
type BridgeConfig struct {
	Channel          string `yaml:"channel"`
	Locale           string `yaml:"locale"`
	RequestCode      int    `yaml:"request_code"`
	RationaleMessage string `yaml:"rationale_message"`
	DedupeComplete   bool   `yaml:"dedupe_complete"`
	QueueSize        int    `yaml:"queue_size"`
}

type RecognizerConfig struct {
	Mode               string  `yaml:"mode"` // mock, exec
	Command            string  `yaml:"command"`
	ModelPath          string  `yaml:"model_path"`
	Source             string  `yaml:"source"`
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
	PartialEveryMS     int     `yaml:"partial_every_ms"`
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`
	NoSpeechTimeoutMS  int     `yaml:"no_speech_timeout_ms"`
	TranscribeTimeout  int     `yaml:"transcribe_timeout_ms"`
}

type PermissionConfig struct {
	Mode            string `yaml:"mode"` // grant, deny, prompt
	Retention       string `yaml:"retention"`
	StorePath       string `yaml:"store_path"`
	PromptTimeoutMS int    `yaml:"prompt_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "speech-bridge",
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
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "speech-bridge-1",
			Role:              "speech",
			HeartbeatInterval: 2000,
		},
		Bridge: BridgeConfig{
			Channel:          "speech_recognition",
			RequestCode:      1,
			RationaleMessage: "This application needs the Record Audio permission for recognition to work",
			QueueSize:        64,
		},
		Recognizer: RecognizerConfig{
			Mode:               "mock",
			Source:             "default",
			SampleRate:         16000,
			Channels:           1,
			PartialEveryMS:     800,
			SilenceThresholdDB: -50,
			NoSpeechTimeoutMS:  5000,
			TranscribeTimeout:  45000,
		},
		Permission: PermissionConfig{
			Mode:            "prompt",
			Retention:       "persistent",
			StorePath:       "./data/speech-permissions.db",
			PromptTimeoutMS: 30000,
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
	overrideString(&cfg.RuntimeName, "SPEECH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEECH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Traces, "SPEECH_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Embedded, "SPEECH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEECH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SPEECH_NODE_ID")
	overrideString(&cfg.Node.Role, "SPEECH_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SPEECH_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.Bridge.Channel, "SPEECH_BRIDGE_CHANNEL")
	overrideString(&cfg.Bridge.Locale, "SPEECH_BRIDGE_LOCALE")
	overrideInt(&cfg.Bridge.RequestCode, "SPEECH_BRIDGE_REQUEST_CODE")
	overrideString(&cfg.Bridge.RationaleMessage, "SPEECH_BRIDGE_RATIONALE_MESSAGE")
	overrideBool(&cfg.Bridge.DedupeComplete, "SPEECH_BRIDGE_DEDUPE_COMPLETE")
	overrideInt(&cfg.Bridge.QueueSize, "SPEECH_BRIDGE_QUEUE_SIZE")
	overrideString(&cfg.Recognizer.Mode, "SPEECH_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "SPEECH_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "SPEECH_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Source, "SPEECH_RECOGNIZER_SOURCE")
	overrideInt(&cfg.Recognizer.SampleRate, "SPEECH_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "SPEECH_RECOGNIZER_CHANNELS")
	overrideInt(&cfg.Recognizer.PartialEveryMS, "SPEECH_RECOGNIZER_PARTIAL_EVERY_MS")
	overrideFloat(&cfg.Recognizer.SilenceThresholdDB, "SPEECH_RECOGNIZER_SILENCE_THRESHOLD_DB")
	overrideInt(&cfg.Recognizer.NoSpeechTimeoutMS, "SPEECH_RECOGNIZER_NO_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Recognizer.TranscribeTimeout, "SPEECH_RECOGNIZER_TRANSCRIBE_TIMEOUT_MS")
	overrideString(&cfg.Permission.Mode, "SPEECH_PERMISSION_MODE")
	overrideString(&cfg.Permission.Retention, "SPEECH_PERMISSION_RETENTION")
	overrideString(&cfg.Permission.StorePath, "SPEECH_PERMISSION_STORE_PATH")
	overrideInt(&cfg.Permission.PromptTimeoutMS, "SPEECH_PERMISSION_PROMPT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Telemetry.Traces {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.traces must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.Traces == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Bridge.Channel == "" {
		return errors.New("bridge.channel must not be empty")
	}
	if strings.ContainsAny(cfg.Bridge.Channel, " .*>") {
		return errors.New("bridge.channel must be a single subject token")
	}
	if cfg.Bridge.QueueSize <= 0 {
		return errors.New("bridge.queue_size must be >= 1")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.Source == "" {
		return errors.New("recognizer.source must not be empty")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return errors.New("recognizer.sample_rate must be positive")
	}
	if cfg.Recognizer.Channels <= 0 {
		return errors.New("recognizer.channels must be positive")
	}
	if cfg.Recognizer.PartialEveryMS < 0 {
		return errors.New("recognizer.partial_every_ms must be >= 0")
	}
	if cfg.Recognizer.NoSpeechTimeoutMS < 0 {
		return errors.New("recognizer.no_speech_timeout_ms must be >= 0")
	}
	if cfg.Recognizer.TranscribeTimeout <= 0 {
		return errors.New("recognizer.transcribe_timeout_ms must be positive")
	}
	switch cfg.Permission.Mode {
	case "grant", "deny", "prompt":
	default:
		return errors.New("permission.mode must be one of grant|deny|prompt")
	}
	switch cfg.Permission.Retention {
	case "ephemeral":
	case "persistent":
		if cfg.Permission.StorePath == "" {
			return errors.New("permission.store_path must not be empty when retention=persistent")
		}
	default:
		return errors.New("permission.retention must be one of ephemeral|persistent")
	}
	if cfg.Permission.Mode == "prompt" && cfg.Permission.PromptTimeoutMS <= 0 {
		return errors.New("permission.prompt_timeout_ms must be positive when mode=prompt")
	}
	return nil
}
