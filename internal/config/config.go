package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Store        StoreConfig        `yaml:"store"`
	Journal      JournalConfig      `yaml:"journal"`
	Cloud        CloudConfig        `yaml:"cloud"`
	Local        LocalConfig        `yaml:"local"`
	Dictation    DictationConfig    `yaml:"dictation"`
	Proofreading ProofreadingConfig `yaml:"proofreading"`
	Audio        AudioConfig        `yaml:"audio"`
	Platform     PlatformConfig     `yaml:"platform"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Mode            string `yaml:"mode"` // memory, sqlite
	Path            string `yaml:"path"`
	CredentialsPath string `yaml:"credentials_path"`
}

// JournalConfig bounds the activity journal. RetentionMode is ephemeral or
// persistent.
type JournalConfig struct {
	RetentionMode string `yaml:"retention_mode"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CloudConfig struct {
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	Language      string `yaml:"language"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxAudioBytes int    `yaml:"max_audio_bytes"`
}

type LocalConfig struct {
	HealthTimeoutMS        int `yaml:"health_timeout_ms"`
	TranscriptionTimeoutMS int `yaml:"transcription_timeout_ms"`
}

type DictationConfig struct {
	SuccessResetMS     int  `yaml:"success_reset_ms"`
	ErrorResetMS       int  `yaml:"error_reset_ms"`
	MaxRetries         int  `yaml:"max_retries"`
	PasteEnabled       bool `yaml:"paste_enabled"`
	TranslateToEnglish bool `yaml:"translate_to_english"`
}

type ProofreadingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // openai, anthropic, ollama, exec
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint"` // ollama only
	Command   string `yaml:"command"`  // exec only
	APIKey    string `yaml:"api_key"`
	Prompt    string `yaml:"prompt"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AudioConfig struct {
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type PlatformConfig struct {
	ClipboardCommand       string `yaml:"clipboard_command"`
	PasteCommand           string `yaml:"paste_command"`
	FocusProbeCommand      string `yaml:"focus_probe_command"`
	MicrophoneProbeCommand string `yaml:"microphone_probe_command"`
	AutomationProbeCommand string `yaml:"automation_probe_command"`
	SettingsCommand        string `yaml:"settings_command"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 7313,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4223,
			Servers:        []string{"nats://127.0.0.1:4223"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Mode:            "sqlite",
			Path:            "./data/profiles.db",
			CredentialsPath: "./data/credentials.db",
		},
		Journal: JournalConfig{
			RetentionMode: "ephemeral",
			Path:          "./data/journal.db",
			RetentionDays: 30,
			MaxEntries:    5000,
		},
		Cloud: CloudConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "whisper-1",
			Language:      "auto",
			TimeoutMS:     60000,
			MaxAudioBytes: 25 * 1024 * 1024,
		},
		Local: LocalConfig{
			HealthTimeoutMS:        5000,
			TranscriptionTimeoutMS: 60000,
		},
		Dictation: DictationConfig{
			SuccessResetMS: 2000,
			ErrorResetMS:   3000,
			MaxRetries:     3,
			PasteEnabled:   true,
		},
		Proofreading: ProofreadingConfig{
			Enabled:   false,
			Mode:      "openai",
			Endpoint:  "http://127.0.0.1:11434",
			TimeoutMS: 30000,
		},
		Audio: AudioConfig{
			Command:    "sox -q -d -t raw -b 16 -e signed-integer -r {sample_rate} -c {channels} -",
			SampleRate: 16000,
			Channels:   1,
		},
		Platform: PlatformConfig{
			ClipboardCommand: "pbcopy",
			PasteCommand:     `osascript -e 'tell application "System Events" to keystroke "v" using command down'`,
			SettingsCommand:  "open",
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
	overrideString(&cfg.RuntimeName, "DICTA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "DICTA_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "DICTA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DICTA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DICTA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTA_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Mode, "DICTA_STORE_MODE")
	overrideString(&cfg.Store.Path, "DICTA_STORE_PATH")
	overrideString(&cfg.Store.CredentialsPath, "DICTA_STORE_CREDENTIALS_PATH")
	overrideString(&cfg.Journal.RetentionMode, "DICTA_JOURNAL_RETENTION_MODE")
	overrideString(&cfg.Journal.Path, "DICTA_JOURNAL_PATH")
	overrideInt(&cfg.Journal.RetentionDays, "DICTA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "DICTA_JOURNAL_MAX_ENTRIES")
	overrideString(&cfg.Cloud.BaseURL, "DICTA_CLOUD_BASE_URL")
	overrideString(&cfg.Cloud.Model, "DICTA_CLOUD_MODEL")
	overrideString(&cfg.Cloud.APIKey, "DICTA_CLOUD_API_KEY")
	overrideString(&cfg.Cloud.Language, "DICTA_CLOUD_LANGUAGE")
	overrideInt(&cfg.Cloud.TimeoutMS, "DICTA_CLOUD_TIMEOUT_MS")
	overrideInt(&cfg.Cloud.MaxAudioBytes, "DICTA_CLOUD_MAX_AUDIO_BYTES")
	overrideInt(&cfg.Local.HealthTimeoutMS, "DICTA_LOCAL_HEALTH_TIMEOUT_MS")
	overrideInt(&cfg.Local.TranscriptionTimeoutMS, "DICTA_LOCAL_TRANSCRIPTION_TIMEOUT_MS")
	overrideInt(&cfg.Dictation.SuccessResetMS, "DICTA_SUCCESS_RESET_MS")
	overrideInt(&cfg.Dictation.ErrorResetMS, "DICTA_ERROR_RESET_MS")
	overrideInt(&cfg.Dictation.MaxRetries, "DICTA_MAX_RETRIES")
	overrideBool(&cfg.Dictation.PasteEnabled, "DICTA_PASTE_ENABLED")
	overrideBool(&cfg.Dictation.TranslateToEnglish, "DICTA_TRANSLATE_TO_ENGLISH")
	overrideBool(&cfg.Proofreading.Enabled, "DICTA_PROOFREADING_ENABLED")
	overrideString(&cfg.Proofreading.Mode, "DICTA_PROOFREADING_MODE")
	overrideString(&cfg.Proofreading.Model, "DICTA_PROOFREADING_MODEL")
	overrideString(&cfg.Proofreading.Endpoint, "DICTA_PROOFREADING_ENDPOINT")
	overrideString(&cfg.Proofreading.Command, "DICTA_PROOFREADING_COMMAND")
	overrideString(&cfg.Proofreading.APIKey, "DICTA_PROOFREADING_API_KEY")
	overrideInt(&cfg.Proofreading.TimeoutMS, "DICTA_PROOFREADING_TIMEOUT_MS")
	overrideString(&cfg.Audio.Command, "DICTA_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "DICTA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "DICTA_AUDIO_CHANNELS")
	overrideString(&cfg.Platform.ClipboardCommand, "DICTA_CLIPBOARD_COMMAND")
	overrideString(&cfg.Platform.PasteCommand, "DICTA_PASTE_COMMAND")
	overrideString(&cfg.Platform.FocusProbeCommand, "DICTA_FOCUS_PROBE_COMMAND")
	overrideString(&cfg.Platform.MicrophoneProbeCommand, "DICTA_MICROPHONE_PROBE_COMMAND")
	overrideString(&cfg.Platform.AutomationProbeCommand, "DICTA_AUTOMATION_PROBE_COMMAND")
	overrideString(&cfg.Platform.SettingsCommand, "DICTA_SETTINGS_COMMAND")

	// The bare key predates profiles and is still honoured as the cloud fallback.
	if strings.TrimSpace(cfg.Cloud.APIKey) == "" {
		overrideString(&cfg.Cloud.APIKey, "OPENAI_API_KEY")
	}
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !isLoopback(cfg.HTTP.Bind) {
		return errors.New("http.bind must be a loopback address")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	switch cfg.Store.Mode {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when mode=sqlite")
		}
		if cfg.Store.CredentialsPath == "" {
			return errors.New("store.credentials_path must not be empty when mode=sqlite")
		}
		if cfg.Store.CredentialsPath == cfg.Store.Path {
			return errors.New("store.credentials_path must differ from store.path")
		}
	default:
		return errors.New("store.mode must be one of memory|sqlite")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
		if cfg.Journal.Path == cfg.Store.Path || cfg.Journal.Path == cfg.Store.CredentialsPath {
			return errors.New("journal.path must differ from the store paths")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 || cfg.Journal.MaxEntries < 0 {
		return errors.New("journal retention limits must be >= 0")
	}
	if cfg.Cloud.BaseURL == "" {
		return errors.New("cloud.base_url must not be empty")
	}
	if cfg.Cloud.TimeoutMS <= 0 {
		return errors.New("cloud.timeout_ms must be positive")
	}
	if cfg.Cloud.MaxAudioBytes <= 0 {
		return errors.New("cloud.max_audio_bytes must be positive")
	}
	if cfg.Local.HealthTimeoutMS <= 0 {
		return errors.New("local.health_timeout_ms must be positive")
	}
	if cfg.Local.TranscriptionTimeoutMS <= 0 {
		return errors.New("local.transcription_timeout_ms must be positive")
	}
	if cfg.Dictation.SuccessResetMS < 0 || cfg.Dictation.ErrorResetMS < 0 {
		return errors.New("dictation reset delays must be >= 0")
	}
	if cfg.Dictation.MaxRetries < 0 {
		return errors.New("dictation.max_retries must be >= 0")
	}
	if cfg.Proofreading.Enabled {
		switch cfg.Proofreading.Mode {
		case "openai", "anthropic":
		case "ollama":
			if cfg.Proofreading.Endpoint == "" {
				return errors.New("proofreading.endpoint must be set when mode=ollama")
			}
		case "exec":
			if strings.TrimSpace(cfg.Proofreading.Command) == "" {
				return errors.New("proofreading.command must be set when mode=exec")
			}
		default:
			return errors.New("proofreading.mode must be one of openai|anthropic|ollama|exec")
		}
		if cfg.Proofreading.TimeoutMS <= 0 {
			return errors.New("proofreading.timeout_ms must be positive")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
