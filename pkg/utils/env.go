package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Configuration errors
var (
	ErrConfigValueInvalid  = errors.New("config: invalid value")
	ErrConfigValueRequired = errors.New("config: required value missing")
)

// ConfigSource defines where configuration is loaded from.
type ConfigSource interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	List() map[string]string
}

// ConfigManager provides typed configuration access over a ConfigSource.
// Components never read the environment directly; they go through a manager
// so tests can substitute a map-backed source.
type ConfigManager struct {
	source ConfigSource
	logger *Logger

	accessMu    sync.Mutex
	accessCount map[string]uint64
}

// ConfigManagerConfig holds configuration for the config manager.
type ConfigManagerConfig struct {
	Source ConfigSource
	Logger *Logger
}

// NewConfigManager creates a configuration manager. A nil Source falls back
// to process environment variables.
func NewConfigManager(config *ConfigManagerConfig) (*ConfigManager, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Source == nil {
		config.Source = &envSource{}
	}
	return &ConfigManager{
		source:      config.Source,
		logger:      config.Logger,
		accessCount: make(map[string]uint64),
	}, nil
}

// GetString returns a string configuration value.
func (cm *ConfigManager) GetString(key, defaultValue string) string {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

// GetStringRequired returns a required string value or an error.
func (cm *ConfigManager) GetStringRequired(key string) (string, error) {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s", ErrConfigValueRequired, key)
	}
	return strings.TrimSpace(value), nil
}

// GetInt returns an integer configuration value.
func (cm *ConfigManager) GetInt(key string, defaultValue int) int {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		cm.logInvalid(key, err)
		return defaultValue
	}
	return parsed
}

// GetIntRange returns an integer clamped to [min, max]; out-of-range values
// fall back to the default.
func (cm *ConfigManager) GetIntRange(key string, defaultValue, min, max int) int {
	value := cm.GetInt(key, defaultValue)
	if value < min || value > max {
		if cm.logger != nil {
			cm.logger.Warn("config value out of range, using default",
				ZapString("key", key),
				ZapInt("value", value),
				ZapInt("min", min),
				ZapInt("max", max))
		}
		return defaultValue
	}
	return value
}

// GetFloat64 returns a float64 configuration value.
func (cm *ConfigManager) GetFloat64(key string, defaultValue float64) float64 {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		cm.logInvalid(key, err)
		return defaultValue
	}
	return parsed
}

// GetBool returns a boolean configuration value.
func (cm *ConfigManager) GetBool(key string, defaultValue bool) bool {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on", "enabled":
		return true
	case "0", "false", "f", "no", "n", "off", "disabled":
		return false
	default:
		cm.logInvalid(key, fmt.Errorf("invalid boolean: %s", value))
		return defaultValue
	}
}

// GetDuration returns a duration value. Accepts Go duration syntax or a bare
// integer interpreted as seconds.
func (cm *ConfigManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	v := strings.TrimSpace(value)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	cm.logInvalid(key, fmt.Errorf("invalid duration: %s", value))
	return defaultValue
}

// GetStringSlice returns a comma-separated list as a slice.
func (cm *ConfigManager) GetStringSlice(key string, defaultValue []string) []string {
	value, exists := cm.source.Get(key)
	cm.recordAccess(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// Set updates a configuration value.
func (cm *ConfigManager) Set(key, value string) error {
	return cm.source.Set(key, value)
}

func (cm *ConfigManager) recordAccess(key string) {
	cm.accessMu.Lock()
	cm.accessCount[key]++
	cm.accessMu.Unlock()
}

func (cm *ConfigManager) logInvalid(key string, err error) {
	if cm.logger != nil {
		cm.logger.Warn("invalid config value, using default",
			ZapString("key", key),
			ZapError(err))
	}
}

// envSource implements ConfigSource using environment variables.
type envSource struct{}

func (e *envSource) Get(key string) (string, bool) {
	value := os.Getenv(key)
	return value, value != ""
}

func (e *envSource) Set(key, value string) error {
	return os.Setenv(key, value)
}

func (e *envSource) List() map[string]string {
	result := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			result[env[:idx]] = env[idx+1:]
		}
	}
	return result
}

// Legacy environment helpers used before a ConfigManager exists (logger setup).

func GetEnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func GetEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func GetEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}
