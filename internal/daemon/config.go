package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups must not depend on the host

	"gopkg.in/yaml.v3"

	"github.com/nous-labs/questbuddy/internal/channel/matrix"
	"github.com/nous-labs/questbuddy/internal/segment"
	"github.com/nous-labs/questbuddy/internal/session"
	"github.com/nous-labs/questbuddy/internal/store"
)

// Config holds the daemon configuration.
type Config struct {
	Name     string `json:"name"`
	LogLevel string `json:"log_level"` // debug, info, warn, error
	HTTPAddr string `json:"http_addr"`
	// Timezone is the IANA zone whose calendar defines "today" for
	// clears, streaks and reminders.
	Timezone string `json:"timezone"`
	// SystemPrompt replaces the built-in quest master prompt when set.
	SystemPrompt string `json:"system_prompt,omitempty"`

	Store     store.Config    `json:"store"`
	LLM       LLMConfig       `json:"llm"`
	Session   SessionConfig   `json:"session"`
	Matrix    MatrixConfig    `json:"matrix"`
	Reminder  ReminderConfig  `json:"reminder"`
	Transport TransportConfig `json:"transport"`
	Websocket WebsocketConfig `json:"websocket"`
}

// LLMConfig holds language model provider settings.
type LLMConfig struct {
	// Provider lists providers in fallback order.
	Provider  []string       `json:"provider"`
	Gemini    ProviderConfig `json:"gemini"`
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	APIKey      string  `json:"api_key"` // "$GEMINI_API_KEY" style references are resolved
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	MaxOutput   int     `json:"max_output,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// SessionConfig bounds conversation memory.
type SessionConfig struct {
	MaxTurns    int `json:"max_turns"`
	MaxSessions int `json:"max_sessions"`
}

// MatrixConfig enables the Matrix channel.
type MatrixConfig struct {
	Enabled bool `json:"enabled"`
	matrix.Config
}

// ReminderConfig schedules the daily nudge.
type ReminderConfig struct {
	Enabled bool `json:"enabled"`
	Hour    int  `json:"hour"`
	Minute  int  `json:"minute"`
}

// TransportConfig controls how replies are chunked.
type TransportConfig struct {
	ChunkLimit int    `json:"chunk_limit"`
	ChunkDelay string `json:"chunk_delay"` // e.g. "250ms"
}

// WebsocketConfig enables /ws/chat.
type WebsocketConfig struct {
	Enabled bool     `json:"enabled"`
	Origins []string `json:"origins,omitempty"`
}

var knownProviders = []string{"gemini", "anthropic"}

// LoadConfig builds the configuration from defaults, the file at path
// (JSON, or YAML by extension) and the optional private overlay named by
// QUESTBUDDY_PRIVATE_CONFIG. Later sources win key by key.
func LoadConfig(path string) (*Config, error) {
	baseJSON, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("QUESTBUDDY_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := readConfigFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("private config: %w", err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.resolveEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readConfigFile returns the file as JSON, converting YAML when the
// extension says so.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml config %s: %w", path, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func (c *Config) resolveEnv() {
	c.Name = resolveEnv(c.Name)
	c.HTTPAddr = resolveEnv(c.HTTPAddr)
	c.Timezone = resolveEnv(c.Timezone)
	c.Store.SQLitePath = resolveEnv(c.Store.SQLitePath)
	c.Store.PostgresURL = resolveEnv(c.Store.PostgresURL)
	c.LLM.Gemini.APIKey = resolveEnv(c.LLM.Gemini.APIKey)
	c.LLM.Anthropic.APIKey = resolveEnv(c.LLM.Anthropic.APIKey)
	c.LLM.Anthropic.BaseURL = resolveEnv(c.LLM.Anthropic.BaseURL)
	c.Matrix.Homeserver = resolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = resolveEnv(c.Matrix.UserID)
	c.Matrix.Password = resolveEnv(c.Matrix.Password)
	c.Matrix.ServerName = resolveEnv(c.Matrix.ServerName)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite", "postgres", "postgresql", "pg":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Session.MaxTurns <= 0 {
		errs = append(errs, errors.New("session.max_turns must be positive"))
	}
	if c.Session.MaxSessions <= 0 {
		errs = append(errs, errors.New("session.max_sessions must be positive"))
	}
	if c.Transport.ChunkLimit <= 0 {
		errs = append(errs, errors.New("transport.chunk_limit must be positive"))
	}
	if _, err := c.ChunkDelay(); err != nil {
		errs = append(errs, err)
	}
	if c.Reminder.Hour < 0 || c.Reminder.Hour > 23 || c.Reminder.Minute < 0 || c.Reminder.Minute > 59 {
		errs = append(errs, fmt.Errorf("reminder: invalid time %02d:%02d", c.Reminder.Hour, c.Reminder.Minute))
	}
	for _, p := range c.LLM.Provider {
		if !slices.Contains(knownProviders, strings.ToLower(p)) {
			errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", p))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location returns the configured calendar location.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ChunkDelay parses transport.chunk_delay. Empty means no pause.
func (c *Config) ChunkDelay() (time.Duration, error) {
	if c.Transport.ChunkDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Transport.ChunkDelay)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("transport.chunk_delay: invalid duration %q", c.Transport.ChunkDelay)
	}
	return d, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]any{}
	}

	var overlayMap map[string]any
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]any)
		srcObj, srcIsObj := v.(map[string]any)
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces a "$NAME" value with the environment variable, when set.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name:     "questbuddy",
		LogLevel: envOr("QUESTBUDDY_LOG_LEVEL", "info"),
		HTTPAddr: envOr("QUESTBUDDY_HTTP_ADDR", ":8080"),
		Timezone: envOr("QUESTBUDDY_TIMEZONE", "UTC"),
		Store: store.Config{
			Driver:      envOr("QUESTBUDDY_DB_DRIVER", "sqlite"),
			SQLitePath:  envOr("QUESTBUDDY_DB_PATH", filepath.Join("data", "questbuddy.db")),
			PostgresURL: envOr("QUESTBUDDY_PG_URL", ""),
		},
		LLM: LLMConfig{
			Provider: []string{"gemini", "anthropic"},
			Gemini: ProviderConfig{
				APIKey:      os.Getenv("GEMINI_API_KEY"),
				Model:       envOr("GEMINI_MODEL", "gemini-2.5-flash"),
				MaxOutput:   2048,
				Temperature: 0.7,
			},
			Anthropic: ProviderConfig{
				APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
				Model:       envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
				MaxOutput:   2048,
				Temperature: 0.7,
			},
		},
		Session: SessionConfig{
			MaxTurns:    session.DefaultMaxTurns,
			MaxSessions: session.DefaultMaxSessions,
		},
		Matrix: MatrixConfig{
			Enabled: envOr("QUESTBUDDY_MATRIX_ENABLED", "") != "",
			Config: matrix.Config{
				Homeserver: envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
				UserID:     envOr("MATRIX_BOT_USER", "questbuddy"),
				Password:   envOr("MATRIX_BOT_PASSWORD", ""),
				ServerName: envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
				DataDir:    envOr("QUESTBUDDY_DATA_DIR", "data"),
			},
		},
		Reminder: ReminderConfig{
			Enabled: envOr("QUESTBUDDY_REMINDER_ENABLED", "1") != "",
			Hour:    8,
		},
		Transport: TransportConfig{
			ChunkLimit: segment.DefaultLimit,
			ChunkDelay: "250ms",
		},
		Websocket: WebsocketConfig{
			Enabled: envOr("QUESTBUDDY_WEBSOCKET_ENABLED", "1") != "",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
