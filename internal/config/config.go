// Package config loads and holds all GhostLayer configuration.
// Settings are layered: built-in defaults, then ghostlayer-config.json (or
// the file given with --config), then a .env file in the working directory,
// then GHOSTLAYER_* environment variables.
package config

import (
	"encoding/json"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFile is read when no explicit config path is given.
const DefaultFile = "ghostlayer-config.json"

const envPrefix = "GHOSTLAYER_"

// Config holds the full service configuration.
type Config struct {
	BindAddress  string `json:"bindAddress"`
	Port         int    `json:"port"`
	APIToken     string `json:"apiToken"`
	LogLevel     string `json:"logLevel"`
	DataPath     string `json:"dataPath"`
	MaxBodyBytes int64  `json:"maxBodyBytes"`

	// Chunking, in bytes.
	ChunkThreshold int `json:"chunkThreshold"`
	ChunkSize      int `json:"chunkSize"`

	// Named-entity sidecar.
	NEREnabled       bool   `json:"nerEnabled"`
	NEREndpoint      string `json:"nerEndpoint"`
	NERCyrillicModel string `json:"nerCyrillicModel"`
	NERLatinModel    string `json:"nerLatinModel"`
	NERTimeoutSecs   int    `json:"nerTimeoutSecs"`
	NERConcurrency   int    `json:"nerConcurrency"`
	NERCacheSize     int    `json:"nerCacheSize"`

	// Features lists the entitled features; "*" grants all.
	Features []string `json:"features"`
}

// Load returns config with defaults overridden by the config file, .env and
// environment variables. An empty path selects DefaultFile.
func Load(path string) *Config {
	if path == "" {
		path = DefaultFile
	}
	cfg := defaults()
	loadFile(cfg, path)
	loadDotEnv(".env")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:      "127.0.0.1",
		Port:             8765,
		LogLevel:         "info",
		DataPath:         "ghostlayer.db",
		MaxBodyBytes:     10 << 20,
		ChunkThreshold:   100 * 1024,
		ChunkSize:        20 * 1024,
		NEREnabled:       true,
		NEREndpoint:      "http://127.0.0.1:8001",
		NERCyrillicModel: "ru_core_news_sm",
		NERLatinModel:    "en_core_web_sm",
		NERTimeoutSecs:   30,
		NERConcurrency:   2,
		NERCacheSize:     512,
		Features:         []string{"memory"},
	}
}

// CanUseFeature reports whether feature is entitled.
func (c *Config) CanUseFeature(feature string) bool {
	return slices.Contains(c.Features, "*") || slices.Contains(c.Features, feature)
}

// NERTimeout returns the sidecar call timeout.
func (c *Config) NERTimeout() time.Duration {
	return time.Duration(c.NERTimeoutSecs) * time.Second
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

// loadDotEnv copies a .env file into the environment without overriding
// variables that are already set.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return // file is optional
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	}
}

func loadEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	positive := func(key string, dst *int) {
		if v := os.Getenv(envPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	str("BIND_ADDRESS", &cfg.BindAddress)
	positive("PORT", &cfg.Port)
	str("API_TOKEN", &cfg.APIToken)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATA_PATH", &cfg.DataPath)
	if v := os.Getenv(envPrefix + "MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}

	positive("CHUNK_THRESHOLD", &cfg.ChunkThreshold)
	positive("CHUNK_SIZE", &cfg.ChunkSize)

	if v := os.Getenv(envPrefix + "NER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NEREnabled = b
		}
	}
	str("NER_ENDPOINT", &cfg.NEREndpoint)
	str("NER_CYRILLIC_MODEL", &cfg.NERCyrillicModel)
	str("NER_LATIN_MODEL", &cfg.NERLatinModel)
	positive("NER_TIMEOUT", &cfg.NERTimeoutSecs)
	positive("NER_CONCURRENCY", &cfg.NERConcurrency)
	positive("NER_CACHE_SIZE", &cfg.NERCacheSize)

	if v := os.Getenv(envPrefix + "FEATURES"); v != "" {
		var features []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				features = append(features, f)
			}
		}
		cfg.Features = features
	}
}
