package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeFile(t, t.TempDir(), "test.yaml", "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "listen:\n  port: 8080\n")
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "model:\n  provider: ollama\n  name: llama3.1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.Provider != "ollama" || cfg.Model.Name != "llama3.1" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Search.MaxResults != 3 {
		t.Errorf("search.max_results = %d, want 3", cfg.Search.MaxResults)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("agent.max_iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Console.ThreadID != "chat" {
		t.Errorf("console.thread_id = %q, want chat", cfg.Console.ThreadID)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "secret123")
	path := writeFile(t, t.TempDir(), "config.yaml", "search:\n  brave:\n    api_key: ${PARLEY_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Search.Brave.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Search.Brave.APIKey, "secret123")
	}
}

func TestLoad_APIKeysFromEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("TAVILY_API_KEY", "t-key")
	path := writeFile(t, t.TempDir(), "config.yaml", "log_level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.APIKey != "g-key" {
		t.Errorf("model.api_key = %q", cfg.Model.APIKey)
	}
	if cfg.Search.Tavily.APIKey != "t-key" {
		t.Errorf("tavily.api_key = %q", cfg.Search.Tavily.APIKey)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad provider", "model:\n  provider: openai\n"},
		{"zero max results", "search:\n  max_results: 0\n"},
		{"negative iterations", "agent:\n  max_iterations: -1\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad log level", "log_level: loud\n"},
		{"malformed yaml", "model: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadKeyFile(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("TAVILY_API_KEY", "")
	path := writeFile(t, t.TempDir(), "APIs.txt", "googleGemini abc123\ntavily tvly-xyz\nunknown zzz\nlonely\n\n")

	if err := LoadKeyFile(path); err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if got := os.Getenv("GOOGLE_API_KEY"); got != "abc123" {
		t.Errorf("GOOGLE_API_KEY = %q", got)
	}
	if got := os.Getenv("TAVILY_API_KEY"); got != "tvly-xyz" {
		t.Errorf("TAVILY_API_KEY = %q", got)
	}
}

func TestLoadKeyFile_Missing(t *testing.T) {
	if err := LoadKeyFile(filepath.Join(t.TempDir(), "nope.txt")); err != nil {
		t.Errorf("missing key file should be ignored, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("PARLEY_DOTENV_TEST", "")
	os.Unsetenv("PARLEY_DOTENV_TEST")
	path := writeFile(t, t.TempDir(), ".env", "PARLEY_DOTENV_TEST=from-dotenv\n")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("PARLEY_DOTENV_TEST"); got != "from-dotenv" {
		t.Errorf("PARLEY_DOTENV_TEST = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.String() != "INFO" {
		t.Errorf("info level rendered as %q", a.Value.String())
	}
}
