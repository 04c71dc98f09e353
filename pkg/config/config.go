package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may query
// at runtime (populated during startup after merging env+file).
type RuntimeConfig struct {
	BackendKeys map[string]struct{}
	SigningKeys map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// GetBackendKeys returns a copy of configured backend keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil || runtimeCfg.BackendKeys == nil {
		return out
	}
	for k := range runtimeCfg.BackendKeys {
		out[k] = struct{}{}
	}
	return out
}

// GetSigningKeys returns a copy of configured signing keys.
func GetSigningKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil || runtimeCfg.SigningKeys == nil {
		return out
	}
	for k := range runtimeCfg.SigningKeys {
		out[k] = struct{}{}
	}
	return out
}

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Inference InferenceConfig `yaml:"inference"`
	Identity  IdentityConfig  `yaml:"identity"`
	Session   SessionConfig   `yaml:"session"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds http, storage and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend  []string `yaml:"backend"`
		Frontend []string `yaml:"frontend"`
		Admin    []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// InferenceConfig describes the remote model endpoint.
type InferenceConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Token is the bearer token forwarded to the endpoint, if any.
	Token string `yaml:"token"`
	// DefaultModel is used when a submission names no model.
	DefaultModel string `yaml:"default_model"`
	// Models is the set of identifiers exposed via GET /v1/models.
	Models []string `yaml:"models"`
	// Timeout for one inference call, e.g. "30s".
	Timeout string `yaml:"timeout"`
}

// IdentityConfig controls guest-identifier derivation.
type IdentityConfig struct {
	// LookupURL is an IP-echo service returning {"ip": "..."}.
	LookupURL string `yaml:"lookup_url"`
	// LookupTimeout bounds the address lookup, e.g. "3s".
	LookupTimeout string `yaml:"lookup_timeout"`
}

// SessionConfig holds chat-session behavior switches.
type SessionConfig struct {
	// CrossThreadContext includes other threads' exchanges as request
	// context when enabled. Off by default.
	CrossThreadContext bool `yaml:"cross_thread_context"`
	// MaxContextExchanges caps how many exchanges feed the context string.
	MaxContextExchanges int `yaml:"max_context_exchanges"`
}

// RetentionConfig holds configuration for the guest-namespace sweeper.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// Period is the guest idle age after which a namespace is purged,
	// e.g. "720h".
	Period string `yaml:"period"`
	DryRun bool   `yaml:"dry_run"`
}

// Addr returns the effective host:port listen address.
func (c *Config) Addr() string {
	if c == nil {
		return ""
	}
	host := c.Server.Address
	port := c.Server.Port
	if host == "" && port == 0 {
		return ""
	}
	if port == 0 {
		// address may already carry a port
		if _, _, err := net.SplitHostPort(host); err == nil {
			return host
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath returns the config path to use. An explicitly provided
// flag wins; otherwise the NIMBUS_CONFIG env var is honored before the
// flag default.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := os.Getenv("NIMBUS_CONFIG"); v != "" {
		return v
	}
	return flagVal
}
