package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all voice-tutor environment variables.
const EnvPrefix = "VOICE_TUTOR_"

// Config holds all application configuration. Secrets (tokens and API keys)
// are loaded exclusively from environment variables and never appear in the
// config file.
type Config struct {
	ListenAddr            string    `yaml:"listen_addr"`
	LogLevel              string    `yaml:"log_level"`
	LogFormat             string    `yaml:"log_format"`
	DBPath                string    `yaml:"db_path"`
	AudioDir              string    `yaml:"audio_dir"`
	TranscriptDir         string    `yaml:"transcript_dir"`
	Endpoint              string    `yaml:"endpoint"`
	FallbackEndpoint      string    `yaml:"fallback_endpoint"`
	AckTimeout            string    `yaml:"ack_timeout"`
	MicSampleRate         int       `yaml:"mic_sample_rate"`
	MicSampleRates        []int     `yaml:"mic_sample_rates"`
	TutorSampleRate       int       `yaml:"tutor_sample_rate"`
	RecapModel            string    `yaml:"recap_model"`
	GDriveFolderID        string    `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string    `yaml:"google_credentials_file"`
	Reconnect             Reconnect `yaml:"reconnect"`
	Display               Display   `yaml:"display"`
	Timing                Timing    `yaml:"timing"`

	// Secrets, env vars only.
	TutorToken      string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

// Reconnect configures the connection manager's retry policy and circuit breaker.
type Reconnect struct {
	BaseDelay        string  `yaml:"base_delay"`
	MaxDelay         string  `yaml:"max_delay"`
	Jitter           float64 `yaml:"jitter"`
	MaxAttempts      int     `yaml:"max_attempts"`
	BreakerThreshold int     `yaml:"breaker_threshold"`
	BreakerCooldown  string  `yaml:"breaker_cooldown"`
	PingInterval     string  `yaml:"ping_interval"`
}

// Display configures the transcript buffer.
type Display struct {
	DedupWindow string `yaml:"dedup_window"`
	MaxItems    int    `yaml:"max_items"`
}

// Timing configures the show-then-tell lead window. AudioStartSource selects
// whether audio start is taken from the remote "audio_start" frame or from
// local playback of the first tutor audio chunk.
type Timing struct {
	MinLead          string `yaml:"min_lead"`
	MaxLead          string `yaml:"max_lead"`
	AudioStartSource string `yaml:"audio_start_source"`
}

const (
	AudioStartRemote   = "remote"
	AudioStartPlayback = "playback"
)

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		LogLevel:              "info",
		LogFormat:             "text",
		DBPath:                "data/voice-tutor.db",
		AudioDir:              "data/audio",
		TranscriptDir:         "data/transcripts",
		Endpoint:              "ws://127.0.0.1:7880/v1/tutor",
		FallbackEndpoint:      "deepgram://nova-2",
		AckTimeout:            "10s",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		TutorSampleRate:       24000,
		RecapModel:            "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
		Reconnect: Reconnect{
			BaseDelay:        "500ms",
			MaxDelay:         "8s",
			Jitter:           0.2,
			MaxAttempts:      5,
			BreakerThreshold: 3,
			BreakerCooldown:  "30s",
			PingInterval:     "5s",
		},
		Display: Display{
			DedupWindow: "1s",
			MaxItems:    1000,
		},
		Timing: Timing{
			MinLead:          "300ms",
			MaxLead:          "500ms",
			AudioStartSource: AudioStartRemote,
		},
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// Duration parses raw, falling back when it is empty, invalid or not positive.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) ParsedAckTimeout() time.Duration {
	return Duration(c.AckTimeout, 10*time.Second)
}

func (c *Config) ParsedDedupWindow() time.Duration {
	return Duration(c.Display.DedupWindow, time.Second)
}

// LeadWindow returns the configured show-then-tell bounds. An inverted
// configuration falls back to the 300ms-500ms default.
func (c *Config) LeadWindow() (time.Duration, time.Duration) {
	lo := Duration(c.Timing.MinLead, 300*time.Millisecond)
	hi := Duration(c.Timing.MaxLead, 500*time.Millisecond)
	if lo > hi {
		return 300 * time.Millisecond, 500 * time.Millisecond
	}
	return lo, hi
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	positive := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("DB_PATH", &cfg.DBPath)
	str("AUDIO_DIR", &cfg.AudioDir)
	str("TRANSCRIPT_DIR", &cfg.TranscriptDir)
	str("ENDPOINT", &cfg.Endpoint)
	str("FALLBACK_ENDPOINT", &cfg.FallbackEndpoint)
	str("ACK_TIMEOUT", &cfg.AckTimeout)
	positive("MIC_SAMPLE_RATE", &cfg.MicSampleRate)
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	positive("TUTOR_SAMPLE_RATE", &cfg.TutorSampleRate)
	str("RECAP_MODEL", &cfg.RecapModel)
	str("GDRIVE_FOLDER_ID", &cfg.GDriveFolderID)
	str("GOOGLE_CREDENTIALS_FILE", &cfg.GoogleCredentialsFile)

	str("RECONNECT_BASE_DELAY", &cfg.Reconnect.BaseDelay)
	str("RECONNECT_MAX_DELAY", &cfg.Reconnect.MaxDelay)
	positive("RECONNECT_MAX_ATTEMPTS", &cfg.Reconnect.MaxAttempts)
	positive("BREAKER_THRESHOLD", &cfg.Reconnect.BreakerThreshold)
	str("BREAKER_COOLDOWN", &cfg.Reconnect.BreakerCooldown)

	str("DEDUP_WINDOW", &cfg.Display.DedupWindow)
	positive("DISPLAY_MAX_ITEMS", &cfg.Display.MaxItems)

	str("AUDIO_START_SOURCE", &cfg.Timing.AudioStartSource)
}

func loadSecrets(cfg *Config) {
	cfg.TutorToken = os.Getenv(EnvPrefix + "TOKEN")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.TutorToken == "" {
		warnings = append(warnings, "Tutor token not configured; sessions cannot connect. Set "+EnvPrefix+"TOKEN.")
	}
	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured; the captions-only fallback is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.APIKeyFor(recapProvider(cfg.RecapModel)) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for recap model %q; session recaps are disabled.", cfg.RecapModel))
	}

	for name, raw := range map[string]string{
		"ack_timeout":                cfg.AckTimeout,
		"reconnect.base_delay":       cfg.Reconnect.BaseDelay,
		"reconnect.max_delay":        cfg.Reconnect.MaxDelay,
		"reconnect.breaker_cooldown": cfg.Reconnect.BreakerCooldown,
		"reconnect.ping_interval":    cfg.Reconnect.PingInterval,
		"display.dedup_window":       cfg.Display.DedupWindow,
		"timing.min_lead":            cfg.Timing.MinLead,
		"timing.max_lead":            cfg.Timing.MaxLead,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q; using default.", name, raw))
		}
	}

	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter > 1 {
		warnings = append(warnings, fmt.Sprintf("Invalid reconnect.jitter %v; using 0.2.", cfg.Reconnect.Jitter))
		cfg.Reconnect.Jitter = 0.2
	}
	if lo, hi := Duration(cfg.Timing.MinLead, 0), Duration(cfg.Timing.MaxLead, 0); lo > 0 && hi > 0 && lo > hi {
		warnings = append(warnings, "timing.min_lead exceeds timing.max_lead; using 300ms-500ms.")
	}
	switch cfg.Timing.AudioStartSource {
	case AudioStartRemote, AudioStartPlayback:
	default:
		warnings = append(warnings, fmt.Sprintf("Invalid timing.audio_start_source %q; using %q.", cfg.Timing.AudioStartSource, AudioStartRemote))
		cfg.Timing.AudioStartSource = AudioStartRemote
	}

	return warnings
}

// APIKeyFor returns the configured secret for an LLM provider name.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func recapProvider(model string) string {
	provider, _, _ := strings.Cut(model, "/")
	return provider
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
