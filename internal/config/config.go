package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

const (
	defaultServerAddress    = ":8090"
	defaultDBType           = "sqlite3"
	defaultSQLiteDSN        = "chatstream.db"
	defaultBcryptCost       = 12
	defaultTokenTTLHours    = 24
	defaultActivationHours  = 24
	defaultProvider         = "gemini"
	defaultGeminiModel      = "gemini-2.0-flash"
	defaultStreamTimeoutSec = 120
	minJWTSecretLen         = 16
)

// Turn lock modes.
const (
	TurnLockNone  = "none"
	TurnLockLocal = "local"
	TurnLockRedis = "redis"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Auth        AuthConfig                `json:"auth"`
	Chat        ChatConfig                `json:"chat"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Log         LogConfig                 `json:"log"`

	// Environment-only values applied on top of the file.
	Env EnvOverrides `json:"-"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"CHATSTREAM_ADDR, overwrite"`
	DBType        string `json:"db_type" env:"CHATSTREAM_DB, overwrite"`
	StaticDir     string `json:"static_dir" env:"CHATSTREAM_STATIC_DIR, overwrite"`
	Dev           bool   `json:"dev" env:"CHATSTREAM_DEV, overwrite"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"CHATSTREAM_REDIS_HOST, overwrite"`
	Port     int    `json:"port" env:"CHATSTREAM_REDIS_PORT, overwrite"`
	Username string `json:"username" env:"CHATSTREAM_REDIS_USERNAME, overwrite"`
	Password string `json:"password" env:"CHATSTREAM_REDIS_PASSWORD, overwrite"`
	DB       int    `json:"db" env:"CHATSTREAM_REDIS_DB, overwrite"`
}

// Enabled reports whether a redis server was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type AuthConfig struct {
	JWTSecret          string `json:"jwt_secret" env:"CHATSTREAM_JWT_SECRET, overwrite"`
	Issuer             string `json:"issuer" env:"CHATSTREAM_JWT_ISSUER, overwrite"`
	TokenTTLHours      int    `json:"token_ttl_hours" env:"CHATSTREAM_TOKEN_TTL_HOURS, overwrite"`
	ActivationTTLHours int    `json:"activation_ttl_hours"`
	BcryptCost         int    `json:"bcrypt_cost" env:"CHATSTREAM_BCRYPT_COST, overwrite"`
}

type ChatConfig struct {
	Provider             string `json:"provider" env:"CHATSTREAM_PROVIDER, overwrite"`
	Model                string `json:"model" env:"CHATSTREAM_MODEL, overwrite"`
	TurnLock             string `json:"turn_lock" env:"CHATSTREAM_TURN_LOCK, overwrite"`
	StreamTimeoutSeconds int    `json:"stream_timeout_seconds"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
}

type LogConfig struct {
	Level  string `json:"level" env:"CHATSTREAM_LOG_LEVEL, overwrite"`
	Pretty bool   `json:"pretty" env:"CHATSTREAM_LOG_PRETTY, overwrite"`
}

// EnvOverrides holds values that only make sense from the environment.
type EnvOverrides struct {
	ProviderAPIKey string `env:"CHATSTREAM_PROVIDER_API_KEY"`
	RedisAddr      string `env:"CHATSTREAM_REDIS_ADDR"`
}

// Load reads configuration from the provided path (defaults to config.json)
// and applies environment overrides from the process environment.
func Load(path string) (*Config, error) {
	return LoadWith(context.Background(), path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment lookuper.
func LoadWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// environment only
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = defaultServerAddress
	}
	c.BasicConfig.DBType = strings.ToLower(strings.TrimSpace(c.BasicConfig.DBType))
	if c.BasicConfig.DBType == "" || c.BasicConfig.DBType == "sqlite" {
		c.BasicConfig.DBType = defaultDBType
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if c.BasicConfig.DBType == defaultDBType {
		db := c.Databases[defaultDBType]
		if db.DSN == "" {
			db.DSN = defaultSQLiteDSN
		}
		if db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
		}
		c.Databases[defaultDBType] = db
	}

	if addr := strings.TrimSpace(c.Env.RedisAddr); addr != "" {
		host, port, ok := strings.Cut(addr, ":")
		c.Redis.Host = host
		if ok {
			fmt.Sscanf(port, "%d", &c.Redis.Port)
		}
	}

	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = defaultTokenTTLHours
	}
	if c.Auth.ActivationTTLHours <= 0 {
		c.Auth.ActivationTTLHours = defaultActivationHours
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = defaultBcryptCost
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "chatstream"
	}

	c.Chat.Provider = strings.ToLower(strings.TrimSpace(c.Chat.Provider))
	if c.Chat.Provider == "" {
		c.Chat.Provider = defaultProvider
	}
	c.Chat.TurnLock = strings.ToLower(strings.TrimSpace(c.Chat.TurnLock))
	if c.Chat.TurnLock == "" {
		c.Chat.TurnLock = TurnLockNone
	}
	if c.Chat.StreamTimeoutSeconds <= 0 {
		c.Chat.StreamTimeoutSeconds = defaultStreamTimeoutSec
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	prov := c.Providers[c.Chat.Provider]
	if c.Chat.Model != "" {
		prov.Model = c.Chat.Model
	}
	if prov.Model == "" && c.Chat.Provider == defaultProvider {
		prov.Model = defaultGeminiModel
	}
	if c.Env.ProviderAPIKey != "" {
		prov.APIKey = c.Env.ProviderAPIKey
	}
	c.Providers[c.Chat.Provider] = prov
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.BasicConfig.DBType {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported db_type %q", c.BasicConfig.DBType)
	}
	if _, ok := c.Databases[c.BasicConfig.DBType]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DBType)
	}
	if !c.BasicConfig.Dev && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("jwt_secret must be at least %d bytes", minJWTSecretLen)
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("bcrypt_cost %d out of range [4,31]", c.Auth.BcryptCost)
	}
	switch c.Chat.TurnLock {
	case TurnLockNone, TurnLockLocal:
	case TurnLockRedis:
		if !c.Redis.Enabled() {
			return errors.New("turn_lock redis requires a redis host")
		}
	default:
		return fmt.Errorf("unknown turn_lock %q", c.Chat.TurnLock)
	}
	return nil
}

// Provider returns the settings of the selected chat provider.
func (c *Config) Provider() ProviderConfig {
	return c.Providers[c.Chat.Provider]
}
