package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxUploadMB    int64    `mapstructure:"max_upload_mb" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output" validate:"oneof=stdout stderr"`
}

type AuthConfig struct {
	// Mode selects the identity verifier: "jwt" verifies tokens locally, "remote" asks the provider.
	Mode      string        `mapstructure:"mode" validate:"oneof=jwt remote"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Algorithm string        `mapstructure:"algorithm" validate:"oneof=HS256 HS384 HS512"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	URL       string        `mapstructure:"url" validate:"omitempty,url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

type TranscriptionConfig struct {
	BaseURL     string        `mapstructure:"base_url" validate:"required,url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model" validate:"required"`
	SmartFormat bool          `mapstructure:"smart_format"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Retry       RetryConfig   `mapstructure:"retry"`
	Workers     WorkerConfig  `mapstructure:"workers"`
}

// RetryConfig is disabled unless MaxAttempts is above one.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=0,lte=10"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gte=0"`
}

// WorkerConfig bounds concurrent provider calls. MaxWorkers of zero sends requests directly.
type WorkerConfig struct {
	MinWorkers  int           `mapstructure:"min_workers" validate:"gte=0"`
	MaxWorkers  int           `mapstructure:"max_workers" validate:"gte=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=0"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite sqlite3 mysql postgres postgresql pg"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type StorageConfig struct {
	TempDir       string        `mapstructure:"temp_dir" validate:"required"`
	TempTTL       time.Duration `mapstructure:"temp_ttl" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
}

// envAliases maps config keys to the conventional environment variable names accepted
// alongside the SECTION_KEY form.
var envAliases = map[string][]string{
	"server.port":            {"PORT"},
	"server.allowed_origins": {"ALLOWED_ORIGINS"},
	"auth.jwt_secret":        {"JWT_SECRET", "SUPABASE_JWT_SECRET"},
	"auth.url":               {"SUPABASE_URL"},
	"auth.api_key":           {"SUPABASE_KEY", "SUPABASE_ANON_KEY"},
	"transcription.api_key":  {"DEEPGRAM_API_KEY"},
	"database.dsn":           {"DATABASE_URL"},
	"redis.addr":             {"REDIS_ADDR"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_upload_mb", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.url", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.timeout", 10*time.Second)
	v.SetDefault("auth.cache_ttl", time.Duration(0))

	v.SetDefault("transcription.base_url", "https://api.deepgram.com")
	v.SetDefault("transcription.api_key", "")
	v.SetDefault("transcription.model", "nova-2")
	v.SetDefault("transcription.smart_format", true)
	v.SetDefault("transcription.timeout", 2*time.Minute)
	v.SetDefault("transcription.retry.max_attempts", 1)
	v.SetDefault("transcription.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("transcription.retry.max_interval", 5*time.Second)
	v.SetDefault("transcription.workers.min_workers", 1)
	v.SetDefault("transcription.workers.max_workers", 8)
	v.SetDefault("transcription.workers.queue_size", 64)
	v.SetDefault("transcription.workers.idle_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/voxscribe.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.temp_dir", "./data/uploads")
	v.SetDefault("storage.temp_ttl", time.Hour)
	v.SetDefault("storage.sweep_interval", 10*time.Minute)
}

// Load reads configuration from the provided path (json or yaml), a sibling .env file and the
// environment. An empty path falls back to config.json or config.yaml in the working directory
// when present; otherwise defaults and environment variables are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = findConfigFile()
	}
	envDir := "."
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		envDir = filepath.Dir(absPath)
	}

	// godotenv never overrides variables that are already set.
	if envFile := filepath.Join(envDir, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints. Missing credentials are not validation errors; see
// MissingCredentials.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// MissingCredentials lists the credentials the running service needs but does not have.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.Transcription.APIKey == "" {
		missing = append(missing, "transcription.api_key")
	}
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			missing = append(missing, "auth.jwt_secret")
		}
	case "remote":
		if c.Auth.URL == "" {
			missing = append(missing, "auth.url")
		}
		if c.Auth.APIKey == "" {
			missing = append(missing, "auth.api_key")
		}
	}
	if c.Database.DSN == "" {
		missing = append(missing, "database.dsn")
	}
	return missing
}

// MaxUploadBytes converts the configured upload limit, returning zero for no limit.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func findConfigFile() string {
	for _, candidate := range []string{"config.json", "config.yaml", "config.yml"} {
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
