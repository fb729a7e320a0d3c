package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Port != 8765 {
		t.Errorf("Port: got %d, want 8765", cfg.Port)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.ChunkThreshold != 100*1024 {
		t.Errorf("ChunkThreshold: got %d", cfg.ChunkThreshold)
	}
	if cfg.ChunkSize != 20*1024 {
		t.Errorf("ChunkSize: got %d", cfg.ChunkSize)
	}
	if !cfg.NEREnabled {
		t.Error("NEREnabled should default to true")
	}
	if cfg.NERCyrillicModel == "" || cfg.NERLatinModel == "" {
		t.Error("NER model names should have defaults")
	}
	if cfg.NERTimeout() != 30*time.Second {
		t.Errorf("NERTimeout: got %s", cfg.NERTimeout())
	}
	if cfg.APIToken != "" {
		t.Error("APIToken should be empty by default")
	}
	if !cfg.CanUseFeature("memory") {
		t.Error("memory feature should be entitled by default")
	}
}

func TestCanUseFeature(t *testing.T) {
	cfg := &Config{Features: []string{"memory"}}
	if cfg.CanUseFeature("export") {
		t.Error("unlisted feature granted")
	}
	cfg.Features = []string{"*"}
	if !cfg.CanUseFeature("export") {
		t.Error("wildcard should grant every feature")
	}
	cfg.Features = nil
	if cfg.CanUseFeature("memory") {
		t.Error("empty feature list should grant nothing")
	}
}

func TestLoadEnv_Port(t *testing.T) {
	t.Setenv("GHOSTLAYER_PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 9090 {
		t.Errorf("Port: got %d, want 9090", cfg.Port)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("GHOSTLAYER_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 8765 {
		t.Errorf("Port: got %d, want 8765 (invalid env should be ignored)", cfg.Port)
	}
}

func TestLoadEnv_APIToken(t *testing.T) {
	t.Setenv("GHOSTLAYER_API_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.APIToken != "secret-token" {
		t.Errorf("APIToken: got %s", cfg.APIToken)
	}
}

func TestLoadEnv_Chunking(t *testing.T) {
	t.Setenv("GHOSTLAYER_CHUNK_THRESHOLD", "4096")
	t.Setenv("GHOSTLAYER_CHUNK_SIZE", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ChunkThreshold != 4096 {
		t.Errorf("ChunkThreshold: got %d", cfg.ChunkThreshold)
	}
	if cfg.ChunkSize != 20*1024 {
		t.Errorf("ChunkSize: got %d (zero should be ignored)", cfg.ChunkSize)
	}
}

func TestLoadEnv_NER(t *testing.T) {
	t.Setenv("GHOSTLAYER_NER_ENABLED", "false")
	t.Setenv("GHOSTLAYER_NER_ENDPOINT", "http://ner:8001")
	t.Setenv("GHOSTLAYER_NER_LATIN_MODEL", "en_core_web_lg")
	t.Setenv("GHOSTLAYER_NER_TIMEOUT", "5")
	t.Setenv("GHOSTLAYER_NER_CONCURRENCY", "8")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.NEREnabled {
		t.Error("NEREnabled should be false")
	}
	if cfg.NEREndpoint != "http://ner:8001" {
		t.Errorf("NEREndpoint: got %s", cfg.NEREndpoint)
	}
	if cfg.NERLatinModel != "en_core_web_lg" {
		t.Errorf("NERLatinModel: got %s", cfg.NERLatinModel)
	}
	if cfg.NERTimeout() != 5*time.Second {
		t.Errorf("NERTimeout: got %s", cfg.NERTimeout())
	}
	if cfg.NERConcurrency != 8 {
		t.Errorf("NERConcurrency: got %d", cfg.NERConcurrency)
	}
}

func TestLoadEnv_Features(t *testing.T) {
	t.Setenv("GHOSTLAYER_FEATURES", " memory , export,,")
	cfg := defaults()
	loadEnv(cfg)
	if len(cfg.Features) != 2 || !cfg.CanUseFeature("export") {
		t.Errorf("Features: got %q", cfg.Features)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_ValidJSON(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"port":       9999,
		"nerEnabled": false,
		"features":   []string{"*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "config.json", string(data))

	cfg := defaults()
	loadFile(cfg, path)

	if cfg.Port != 9999 {
		t.Errorf("Port: got %d, want 9999", cfg.Port)
	}
	if cfg.NEREnabled {
		t.Error("NEREnabled should be false after file load")
	}
	if !cfg.CanUseFeature("anything") {
		t.Error("features not loaded from file")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unset field lost its default: %q", cfg.LogLevel)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.Port != 8765 {
		t.Errorf("Port changed unexpectedly: %d", cfg.Port)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	path := writeFile(t, "config-bad.json", "{this is not json}")
	cfg := defaults()
	loadFile(cfg, path)
	if cfg.Port != 8765 {
		t.Errorf("Port changed on bad JSON: %d", cfg.Port)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := writeFile(t, ".env", "GHOSTLAYER_LOG_LEVEL=debug\nGHOSTLAYER_DATA_PATH=/var/lib/ghostlayer.db\n")
	t.Setenv("GHOSTLAYER_LOG_LEVEL", "warn")
	// Registered so the variable is restored after godotenv sets it.
	t.Setenv("GHOSTLAYER_DATA_PATH", "")
	os.Unsetenv("GHOSTLAYER_DATA_PATH") //nolint:errcheck // test setup

	loadDotEnv(path)
	cfg := defaults()
	loadEnv(cfg)

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s, want the process env to win", cfg.LogLevel)
	}
	if cfg.DataPath != "/var/lib/ghostlayer.db" {
		t.Errorf("DataPath: got %s, want the .env value", cfg.DataPath)
	}
}

func TestLoad_Layering(t *testing.T) {
	path := writeFile(t, "ghostlayer.json", `{"port": 7000, "logLevel": "debug"}`)
	t.Setenv("GHOSTLAYER_LOG_LEVEL", "error")

	cfg := Load(path)
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.Port != 7000 {
		t.Errorf("Port: got %d, want the file value", cfg.Port)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel: got %s, want the env value", cfg.LogLevel)
	}
}
