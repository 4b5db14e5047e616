// Package config provides configuration management for coachnote.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

const (
	// DefaultPort is the default HTTP port.
	DefaultPort = 37810
	// DefaultHost is the default listen address.
	DefaultHost = "127.0.0.1"
	// DefaultModel is the default chat model.
	DefaultModel = "gpt-4o-mini"
	// DefaultStorageKind is the default durable backend.
	DefaultStorageKind = "filesystem"
	// DefaultCacheKind is the default cache backend.
	DefaultCacheKind = "memory"
)

// Storage kinds for the durable, cache and notebook database settings.
var (
	StorageKinds    = []string{"filesystem", "sqlite", "remote", "memory", "redis"}
	CacheKinds      = []string{"memory", "redis", "none"}
	NotebookDrivers = []string{"", "postgres", "sqlite"}
)

// Error codes for configuration failures.
const (
	CodeAPIKey      = "E_CONFIG_API_KEY"
	CodeCallbackURL = "E_CONFIG_CALLBACK_URL"
	CodeStorage     = "E_CONFIG_STORAGE"
	CodeDatabase    = "E_CONFIG_DATABASE"
)

// Error is a configuration error with a stable code.
type Error struct {
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

// Config holds coachnote configuration. JSON keys match the environment
// variable names so settings.json and the environment are interchangeable.
type Config struct {
	Host     string `json:"COACHNOTE_HOST"`
	Port     int    `json:"COACHNOTE_PORT"`
	LogLevel string `json:"COACHNOTE_LOG_LEVEL"`

	StorageKind     string `json:"COACHNOTE_STORAGE"`
	StorageDir      string `json:"COACHNOTE_STORAGE_DIR"`
	SQLitePath      string `json:"COACHNOTE_SQLITE_PATH"`
	CacheKind       string `json:"COACHNOTE_CACHE"`
	RedisURL        string `json:"COACHNOTE_REDIS_URL"`
	RedisTTLSeconds int    `json:"COACHNOTE_REDIS_TTL_SECONDS"`
	RemoteURL       string `json:"COACHNOTE_REMOTE_URL"`
	RemoteToken     string `json:"COACHNOTE_REMOTE_TOKEN"`
	NotebookDriver  string `json:"COACHNOTE_NOTEBOOK_DB"`
	DatabaseDSN     string `json:"COACHNOTE_DATABASE_DSN"`
	MaxConns        int    `json:"COACHNOTE_MAX_CONNS"`

	ResolveAttempts int `json:"COACHNOTE_RESOLVE_ATTEMPTS"`
	ResolveDelayMS  int `json:"COACHNOTE_RESOLVE_DELAY_MS"`
	AutosaveSeconds int `json:"COACHNOTE_AUTOSAVE_SECONDS"`

	LLMAPIKey            string `json:"COACHNOTE_LLM_API_KEY"`
	LLMBaseURL           string `json:"COACHNOTE_LLM_BASE_URL"`
	Model                string `json:"COACHNOTE_MODEL"`
	LLMTimeoutSeconds    int    `json:"COACHNOTE_LLM_TIMEOUT_SECONDS"`
	LLMMaxTokens         int    `json:"COACHNOTE_LLM_MAX_TOKENS"`
	TranscriptTokens     int    `json:"COACHNOTE_TRANSCRIPT_TOKENS"`
	ReportTimeoutSeconds int    `json:"COACHNOTE_REPORT_TIMEOUT_SECONDS"`

	CallbackBaseURL string   `json:"COACHNOTE_CALLBACK_BASE_URL"`
	PersonaFile     string   `json:"COACHNOTE_PERSONA_FILE"`
	CORSOrigins     []string `json:"COACHNOTE_CORS_ORIGINS"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path.
func DataDir() string {
	if dir := os.Getenv("COACHNOTE_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".coachnote")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(map[string]interface{}{
		"COACHNOTE_PORT":    DefaultPort,
		"COACHNOTE_MODEL":   DefaultModel,
		"COACHNOTE_STORAGE": DefaultStorageKind,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		LogLevel:             "info",
		StorageKind:          DefaultStorageKind,
		StorageDir:           filepath.Join(dataDir, "data"),
		SQLitePath:           filepath.Join(dataDir, "coachnote.db"),
		CacheKind:            DefaultCacheKind,
		RedisTTLSeconds:      24 * 60 * 60,
		MaxConns:             4,
		ResolveAttempts:      3,
		ResolveDelayMS:       100,
		AutosaveSeconds:      30,
		Model:                DefaultModel,
		LLMTimeoutSeconds:    60,
		LLMMaxTokens:         2048,
		TranscriptTokens:     6000,
		ReportTimeoutSeconds: 90,
		PersonaFile:          filepath.Join(dataDir, "personas.yml"),
	}
}

// Load reads settings.json, then .env, then the environment. An unreadable
// settings file leaves the defaults in place.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var fromFile Config
		if err := json.Unmarshal(data, &fromFile); err == nil {
			cfg.merge(&fromFile)
		}
	}

	// Variables already set in the environment win over .env.
	_ = godotenv.Load()
	cfg.loadFromEnv()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	})
	return globalConfig
}

// GetPort returns the port from COACHNOTE_PORT when valid, else from Get().
func GetPort() int {
	if port, err := strconv.Atoi(os.Getenv("COACHNOTE_PORT")); err == nil && port > 0 {
		return port
	}
	return Get().Port
}

func (c *Config) merge(o *Config) {
	mergeString(&c.Host, o.Host)
	mergeInt(&c.Port, o.Port)
	mergeString(&c.LogLevel, o.LogLevel)
	mergeString(&c.StorageKind, o.StorageKind)
	mergeString(&c.StorageDir, o.StorageDir)
	mergeString(&c.SQLitePath, o.SQLitePath)
	mergeString(&c.CacheKind, o.CacheKind)
	mergeString(&c.RedisURL, o.RedisURL)
	mergeInt(&c.RedisTTLSeconds, o.RedisTTLSeconds)
	mergeString(&c.RemoteURL, o.RemoteURL)
	mergeString(&c.RemoteToken, o.RemoteToken)
	mergeString(&c.NotebookDriver, o.NotebookDriver)
	mergeString(&c.DatabaseDSN, o.DatabaseDSN)
	mergeInt(&c.MaxConns, o.MaxConns)
	mergeInt(&c.ResolveAttempts, o.ResolveAttempts)
	mergeInt(&c.ResolveDelayMS, o.ResolveDelayMS)
	mergeInt(&c.AutosaveSeconds, o.AutosaveSeconds)
	mergeString(&c.LLMAPIKey, o.LLMAPIKey)
	mergeString(&c.LLMBaseURL, o.LLMBaseURL)
	mergeString(&c.Model, o.Model)
	mergeInt(&c.LLMTimeoutSeconds, o.LLMTimeoutSeconds)
	mergeInt(&c.LLMMaxTokens, o.LLMMaxTokens)
	mergeInt(&c.TranscriptTokens, o.TranscriptTokens)
	mergeInt(&c.ReportTimeoutSeconds, o.ReportTimeoutSeconds)
	mergeString(&c.CallbackBaseURL, o.CallbackBaseURL)
	mergeString(&c.PersonaFile, o.PersonaFile)
	if len(o.CORSOrigins) > 0 {
		c.CORSOrigins = o.CORSOrigins
	}
}

func (c *Config) loadFromEnv() {
	envString("COACHNOTE_HOST", &c.Host)
	envInt("COACHNOTE_PORT", &c.Port)
	envString("COACHNOTE_LOG_LEVEL", &c.LogLevel)
	envString("COACHNOTE_STORAGE", &c.StorageKind)
	envString("COACHNOTE_STORAGE_DIR", &c.StorageDir)
	envString("COACHNOTE_SQLITE_PATH", &c.SQLitePath)
	envString("COACHNOTE_CACHE", &c.CacheKind)
	envString("COACHNOTE_REDIS_URL", &c.RedisURL)
	envInt("COACHNOTE_REDIS_TTL_SECONDS", &c.RedisTTLSeconds)
	envString("COACHNOTE_REMOTE_URL", &c.RemoteURL)
	envString("COACHNOTE_REMOTE_TOKEN", &c.RemoteToken)
	envString("COACHNOTE_NOTEBOOK_DB", &c.NotebookDriver)
	envString("COACHNOTE_DATABASE_DSN", &c.DatabaseDSN)
	envInt("COACHNOTE_MAX_CONNS", &c.MaxConns)
	envInt("COACHNOTE_RESOLVE_ATTEMPTS", &c.ResolveAttempts)
	envInt("COACHNOTE_RESOLVE_DELAY_MS", &c.ResolveDelayMS)
	envInt("COACHNOTE_AUTOSAVE_SECONDS", &c.AutosaveSeconds)
	envString("COACHNOTE_LLM_API_KEY", &c.LLMAPIKey)
	envString("COACHNOTE_LLM_BASE_URL", &c.LLMBaseURL)
	envString("COACHNOTE_MODEL", &c.Model)
	envInt("COACHNOTE_LLM_TIMEOUT_SECONDS", &c.LLMTimeoutSeconds)
	envInt("COACHNOTE_LLM_MAX_TOKENS", &c.LLMMaxTokens)
	envInt("COACHNOTE_TRANSCRIPT_TOKENS", &c.TranscriptTokens)
	envInt("COACHNOTE_REPORT_TIMEOUT_SECONDS", &c.ReportTimeoutSeconds)
	envString("COACHNOTE_CALLBACK_BASE_URL", &c.CallbackBaseURL)
	envString("COACHNOTE_PERSONA_FILE", &c.PersonaFile)
	if val := os.Getenv("COACHNOTE_CORS_ORIGINS"); val != "" {
		c.CORSOrigins = splitTrim(val)
	}
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLMAPIKey) == "" {
		return &Error{Code: CodeAPIKey, Field: "COACHNOTE_LLM_API_KEY", Message: "model API key is not set"}
	}
	if strings.TrimSpace(c.CallbackBaseURL) == "" {
		return &Error{Code: CodeCallbackURL, Field: "COACHNOTE_CALLBACK_BASE_URL", Message: "callback base URL is not set"}
	}
	if u, err := url.Parse(c.CallbackBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{Code: CodeCallbackURL, Field: "COACHNOTE_CALLBACK_BASE_URL", Message: "callback base URL must be absolute"}
	}
	return c.ValidateStorage()
}

// ValidateStorage checks the storage settings only. Commands that never call
// the model use it instead of Validate.
func (c *Config) ValidateStorage() error {
	if !contains(StorageKinds, c.StorageKind) {
		return &Error{Code: CodeStorage, Field: "COACHNOTE_STORAGE", Message: fmt.Sprintf("unknown storage kind %q", c.StorageKind)}
	}
	if !contains(CacheKinds, c.CacheKind) {
		return &Error{Code: CodeStorage, Field: "COACHNOTE_CACHE", Message: fmt.Sprintf("unknown cache kind %q", c.CacheKind)}
	}
	if (c.StorageKind == "redis" || c.CacheKind == "redis") && c.RedisURL == "" {
		return &Error{Code: CodeStorage, Field: "COACHNOTE_REDIS_URL", Message: "redis storage needs a URL"}
	}
	if c.StorageKind == "remote" && c.RemoteURL == "" {
		return &Error{Code: CodeStorage, Field: "COACHNOTE_REMOTE_URL", Message: "remote storage needs a URL"}
	}
	if !contains(NotebookDrivers, c.NotebookDriver) {
		return &Error{Code: CodeDatabase, Field: "COACHNOTE_NOTEBOOK_DB", Message: fmt.Sprintf("unknown notebook database %q", c.NotebookDriver)}
	}
	if c.NotebookDriver == "postgres" && c.DatabaseDSN == "" {
		return &Error{Code: CodeDatabase, Field: "COACHNOTE_DATABASE_DSN", Message: "postgres needs a DSN"}
	}
	return nil
}

// AsError returns the configuration error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var cfgErr *Error
	if errors.As(err, &cfgErr) {
		return cfgErr, true
	}
	return nil, false
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolveDelay returns the initial resolver delay.
func (c *Config) ResolveDelay() time.Duration {
	return time.Duration(c.ResolveDelayMS) * time.Millisecond
}

// AutosavePeriod returns the autosave interval.
func (c *Config) AutosavePeriod() time.Duration {
	return time.Duration(c.AutosaveSeconds) * time.Second
}

// LLMTimeout returns the per-call model timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// ReportTimeout returns the report generation timeout.
func (c *Config) ReportTimeout() time.Duration {
	return time.Duration(c.ReportTimeoutSeconds) * time.Second
}

// RedisTTL returns the cache entry TTL; zero keeps entries forever.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.RedisTTLSeconds) * time.Second
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			*dst = n
		}
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// splitTrim splits a comma-separated list, dropping empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
