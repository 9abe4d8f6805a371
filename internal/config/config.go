// Package config loads the WAF's YAML configuration with environment
// variable overrides, following the same load-once singleton shape used
// throughout this codebase.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

type Config struct {
	WAF     WAFConfig     `yaml:"waf"`
	LLM     LLMConfig     `yaml:"llm"`
	Cache   CacheConfig   `yaml:"cache"`
	Learner LearnerConfig `yaml:"learner"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
}

type WAFConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	UpstreamURL      string `yaml:"upstream_url"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	MaxBodyBytes     int    `yaml:"max_body_bytes"`
}

type LLMConfig struct {
	BaseURL            string  `yaml:"base_url"`
	APIKeyEnv          string  `yaml:"api_key_env"`
	Model              string  `yaml:"model"`
	JudgeTimeoutMs     int     `yaml:"judge_timeout_ms"`
	JudgeMaxTokens     int     `yaml:"judge_max_tokens"`
	JudgeTemperature   float64 `yaml:"judge_temperature"`
	LearnerTimeoutMs   int     `yaml:"learner_timeout_ms"`
	LearnerMaxTokens   int     `yaml:"learner_max_tokens"`
	LearnerTemperature float64 `yaml:"learner_temperature"`
}

type CacheConfig struct {
	URL        string `yaml:"url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	Enabled    bool   `yaml:"enabled"`
}

type LearnerConfig struct {
	BatchIntervalMinutes int  `yaml:"batch_interval_minutes"`
	MinFlaggedRequests   int  `yaml:"min_flagged_requests"`
	Enabled              bool `yaml:"enabled"`
}

type StorageConfig struct {
	LogDBPath    string `yaml:"log_db_path"`
	RulebookPath string `yaml:"rulebook_path"`
}

// EventsConfig is ambient observability wiring not named by the external
// interfaces but exercised by the optional CloudEvents/Pub/Sub fan-out and
// the live verdict stream.
type EventsConfig struct {
	PubSubEnabled   bool   `yaml:"pubsub_enabled"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it from CONFIG_PATH (or
// "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file from disk.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.WAF.ListenAddr = getEnv("WAF_LISTEN_ADDR", c.WAF.ListenAddr)
	c.WAF.UpstreamURL = getEnv("WAF_UPSTREAM_URL", c.WAF.UpstreamURL)
	if v := getEnvInt("WAF_REQUEST_TIMEOUT_MS", 0); v > 0 {
		c.WAF.RequestTimeoutMs = v
	}

	c.LLM.BaseURL = getEnv("WAF_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKeyEnv = getEnv("WAF_LLM_API_KEY_ENV", c.LLM.APIKeyEnv)
	c.LLM.Model = getEnv("WAF_LLM_MODEL", c.LLM.Model)
	if v := getEnvInt("WAF_LLM_JUDGE_TIMEOUT_MS", 0); v > 0 {
		c.LLM.JudgeTimeoutMs = v
	}
	if v := getEnvInt("WAF_LLM_JUDGE_MAX_TOKENS", 0); v > 0 {
		c.LLM.JudgeMaxTokens = v
	}
	if v := getEnvFloat("WAF_LLM_JUDGE_TEMPERATURE", -1); v >= 0 {
		c.LLM.JudgeTemperature = v
	}
	if v := getEnvInt("WAF_LLM_LEARNER_TIMEOUT_MS", 0); v > 0 {
		c.LLM.LearnerTimeoutMs = v
	}
	if v := getEnvInt("WAF_LLM_LEARNER_MAX_TOKENS", 0); v > 0 {
		c.LLM.LearnerMaxTokens = v
	}
	if v := getEnvFloat("WAF_LLM_LEARNER_TEMPERATURE", -1); v >= 0 {
		c.LLM.LearnerTemperature = v
	}

	c.Cache.URL = getEnv("WAF_CACHE_URL", c.Cache.URL)
	if v := getEnvInt("WAF_CACHE_TTL_SECONDS", 0); v > 0 {
		c.Cache.TTLSeconds = v
	}
	c.Cache.Enabled = getEnvBool("WAF_CACHE_ENABLED", c.Cache.Enabled)

	if v := getEnvInt("WAF_LEARNER_BATCH_INTERVAL_MINUTES", 0); v > 0 {
		c.Learner.BatchIntervalMinutes = v
	}
	if v := getEnvInt("WAF_LEARNER_MIN_FLAGGED_REQUESTS", 0); v > 0 {
		c.Learner.MinFlaggedRequests = v
	}
	c.Learner.Enabled = getEnvBool("WAF_LEARNER_ENABLED", c.Learner.Enabled)

	c.Storage.LogDBPath = getEnv("WAF_STORAGE_LOG_DB_PATH", c.Storage.LogDBPath)
	c.Storage.RulebookPath = getEnv("WAF_STORAGE_RULEBOOK_PATH", c.Storage.RulebookPath)

	c.Events.PubSubEnabled = getEnvBool("WAF_EVENTS_PUBSUB_ENABLED", c.Events.PubSubEnabled)
	c.Events.PubSubProjectID = getEnv("WAF_EVENTS_PUBSUB_PROJECT_ID", c.Events.PubSubProjectID)
	c.Events.PubSubTopicID = getEnv("WAF_EVENTS_PUBSUB_TOPIC_ID", c.Events.PubSubTopicID)
}

func (c *Config) applyDefaults() {
	if c.WAF.ListenAddr == "" {
		c.WAF.ListenAddr = ":8080"
	}
	if c.WAF.RequestTimeoutMs == 0 {
		c.WAF.RequestTimeoutMs = 5000
	}
	if c.WAF.MaxBodyBytes == 0 {
		c.WAF.MaxBodyBytes = 1 << 20
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "claude-3-5-haiku-20241022"
	}
	if c.LLM.JudgeTimeoutMs == 0 {
		c.LLM.JudgeTimeoutMs = 30000
	}
	if c.LLM.JudgeMaxTokens == 0 {
		c.LLM.JudgeMaxTokens = 150
	}
	if c.LLM.JudgeTemperature == 0 {
		c.LLM.JudgeTemperature = 0.0
	}
	if c.LLM.LearnerTimeoutMs == 0 {
		c.LLM.LearnerTimeoutMs = 120000
	}
	if c.LLM.LearnerMaxTokens == 0 {
		c.LLM.LearnerMaxTokens = 2048
	}
	if c.LLM.LearnerTemperature == 0 {
		c.LLM.LearnerTemperature = 0.3
	}

	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 900
	}

	if c.Learner.BatchIntervalMinutes == 0 {
		c.Learner.BatchIntervalMinutes = 60
	}
	if c.Learner.MinFlaggedRequests == 0 {
		c.Learner.MinFlaggedRequests = 10
	}

	if c.Storage.LogDBPath == "" {
		c.Storage.LogDBPath = "waf_events.db"
	}
	if c.Storage.RulebookPath == "" {
		c.Storage.RulebookPath = "rulebook.json"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
