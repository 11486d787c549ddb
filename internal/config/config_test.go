package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LISTEN_ADDR", "LOG_LEVEL", "LOG_FORMAT", "DB_PATH", "AUDIO_DIR", "TRANSCRIPT_DIR",
		"ENDPOINT", "FALLBACK_ENDPOINT", "ACK_TIMEOUT",
		"MIC_SAMPLE_RATE", "MIC_SAMPLE_RATES", "TUTOR_SAMPLE_RATE",
		"RECAP_MODEL", "GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE",
		"RECONNECT_BASE_DELAY", "RECONNECT_MAX_DELAY", "RECONNECT_MAX_ATTEMPTS",
		"BREAKER_THRESHOLD", "BREAKER_COOLDOWN", "DEDUP_WINDOW", "DISPLAY_MAX_ITEMS",
		"AUDIO_START_SOURCE",
		"TOKEN", "DEEPGRAM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "CONFIG",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "data/voice-tutor.db" {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.Display.MaxItems != 1000 {
		t.Fatalf("expected default max_items 1000, got %d", cfg.Display.MaxItems)
	}
	if cfg.ParsedDedupWindow() != time.Second {
		t.Fatalf("expected default dedup window 1s, got %v", cfg.ParsedDedupWindow())
	}
	lo, hi := cfg.LeadWindow()
	if lo != 300*time.Millisecond || hi != 500*time.Millisecond {
		t.Fatalf("expected default lead window 300ms-500ms, got %v-%v", lo, hi)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("expected default max_attempts 5, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Timing.AudioStartSource != AudioStartRemote {
		t.Fatalf("expected default audio start source remote, got %q", cfg.Timing.AudioStartSource)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /custom/db.sqlite
endpoint: wss://tutor.example.com/v1/tutor
ack_timeout: 3s
mic_sample_rates: [44100, 32000]
recap_model: anthropic/claude-3-5-haiku-latest
reconnect:
  base_delay: 250ms
  max_attempts: 7
display:
  dedup_window: 800ms
  max_items: 50
timing:
  min_lead: 200ms
  max_lead: 600ms
  audio_start_source: playback
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/custom/db.sqlite" {
		t.Fatalf("expected yaml db_path, got %q", cfg.DBPath)
	}
	if cfg.Endpoint != "wss://tutor.example.com/v1/tutor" {
		t.Fatalf("expected yaml endpoint, got %q", cfg.Endpoint)
	}
	if cfg.ParsedAckTimeout() != 3*time.Second {
		t.Fatalf("expected yaml ack_timeout, got %v", cfg.ParsedAckTimeout())
	}
	if !reflect.DeepEqual(cfg.MicSampleRates, []int{44100, 32000}) {
		t.Fatalf("expected yaml mic_sample_rates, got %v", cfg.MicSampleRates)
	}
	if cfg.Reconnect.BaseDelay != "250ms" || cfg.Reconnect.MaxAttempts != 7 {
		t.Fatalf("expected yaml reconnect block, got %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.MaxDelay != "8s" {
		t.Fatalf("expected unset nested field to keep default, got %q", cfg.Reconnect.MaxDelay)
	}
	if cfg.Display.MaxItems != 50 || cfg.ParsedDedupWindow() != 800*time.Millisecond {
		t.Fatalf("expected yaml display block, got %+v", cfg.Display)
	}
	lo, hi := cfg.LeadWindow()
	if lo != 200*time.Millisecond || hi != 600*time.Millisecond {
		t.Fatalf("expected yaml lead window, got %v-%v", lo, hi)
	}
	if cfg.Timing.AudioStartSource != AudioStartPlayback {
		t.Fatalf("expected yaml audio start source, got %q", cfg.Timing.AudioStartSource)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /from/yaml
endpoint: ws://yaml
display:
  max_items: 10
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"ENDPOINT", "ws://env")
	t.Setenv(EnvPrefix+"DISPLAY_MAX_ITEMS", "20")
	t.Setenv(EnvPrefix+"RECONNECT_MAX_ATTEMPTS", "not-a-number")

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.Endpoint != "ws://env" {
		t.Fatalf("expected env override for endpoint, got %q", cfg.Endpoint)
	}
	if cfg.Display.MaxItems != 20 {
		t.Fatalf("expected env override for max_items, got %d", cfg.Display.MaxItems)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("expected invalid env value to be ignored, got %d", cfg.Reconnect.MaxAttempts)
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"TOKEN", "tutor-secret")
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv(EnvPrefix+"ANTHROPIC_API_KEY", "ant-secret")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.TutorToken != "tutor-secret" {
		t.Fatalf("expected tutor token from env, got %q", cfg.TutorToken)
	}
	if cfg.DeepgramAPIKey != "dg-secret" {
		t.Fatalf("expected deepgram key from env, got %q", cfg.DeepgramAPIKey)
	}
	if cfg.APIKeyFor("anthropic") != "ant-secret" {
		t.Fatalf("expected anthropic key from env, got %q", cfg.APIKeyFor("anthropic"))
	}
	if cfg.APIKeyFor("unknown") != "" {
		t.Fatal("expected no key for unknown provider")
	}
}

func TestSecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
token: should-be-ignored
openai_api_key: also-ignored
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.TutorToken != "" {
		t.Fatalf("expected empty tutor token (yaml should be ignored), got %q", cfg.TutorToken)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected empty openai key (yaml should be ignored), got %q", cfg.OpenAIAPIKey)
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var tokenWarning, deepgramWarning, recapWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "Tutor token") {
			tokenWarning = true
		}
		if strings.Contains(w, "Deepgram") {
			deepgramWarning = true
		}
		if strings.Contains(w, "recap") {
			recapWarning = true
		}
	}

	if !tokenWarning || !deepgramWarning || !recapWarning {
		t.Fatalf("expected token, Deepgram and recap warnings, got: %v", warnings)
	}
}

func TestValidationNoWarningsWhenConfigured(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"TOKEN", "key")
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 0 {
		t.Fatalf("expected no warnings when fully configured, got: %v", warnings)
	}
}

func TestInvalidDurationWarning(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"TOKEN", "key")
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"ACK_TIMEOUT", "not-a-duration")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "ack_timeout") {
		t.Fatalf("expected ack_timeout warning, got: %v", warnings)
	}

	if cfg.ParsedAckTimeout() != 10*time.Second {
		t.Fatalf("expected fallback to 10s, got %v", cfg.ParsedAckTimeout())
	}
}

func TestInvertedLeadWindowFallsBack(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("timing:\n  min_lead: 900ms\n  max_lead: 100ms\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, warnings, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	found := false
	for _, w := range warnings {
		if strings.Contains(w, "min_lead") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected min_lead warning, got %v", warnings)
	}

	lo, hi := cfg.LeadWindow()
	if lo != 300*time.Millisecond || hi != 500*time.Millisecond {
		t.Fatalf("expected default window, got %v-%v", lo, hi)
	}
}

func TestInvalidAudioStartSourceResets(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"AUDIO_START_SOURCE", "speaker")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Timing.AudioStartSource != AudioStartRemote {
		t.Fatalf("expected reset to remote, got %q", cfg.Timing.AudioStartSource)
	}
	if !strings.Contains(strings.Join(warnings, "\n"), "audio_start_source") {
		t.Fatalf("expected audio_start_source warning, got %v", warnings)
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for missing config file, got: %v", err)
	}

	if cfg.DBPath != "data/voice-tutor.db" {
		t.Fatalf("expected defaults when config file missing, got db_path=%q", cfg.DBPath)
	}
}

func TestInvalidConfigFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(":::invalid yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)

	_, _, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestSampleRateCandidatesCustom(t *testing.T) {
	cfg := defaults()
	cfg.MicSampleRate = 48000
	cfg.MicSampleRates = []int{44100, 16000, 48000, 32000}

	got := cfg.SampleRateCandidates()
	want := []int{48000, 44100, 16000, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected custom sample rates: got=%v want=%v", got, want)
	}
}

func TestParseSampleRates(t *testing.T) {
	got := parseSampleRates(" 16000,  ,invalid,0,-1,44100,16000 ")
	want := []int{16000, 44100}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected parsed sample rates: got=%v want=%v", got, want)
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Fatalf("expected fallback for empty, got %v", got)
	}
	if got := Duration("-5s", time.Second); got != time.Second {
		t.Fatalf("expected fallback for negative, got %v", got)
	}
	if got := Duration(" 250ms ", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected parsed value, got %v", got)
	}
}
