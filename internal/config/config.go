package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Backend     BackendConfig
	Recognition RecognitionConfig
	Upload      UploadConfig
	Reaction    ReactionConfig
	Social      SocialConfig
	Workspace   WorkspaceConfig
	Auth        AuthConfig
	DB          DBConfig
	Log         LogConfig
	CORS        CORSConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type RecognitionConfig struct {
	URL     string
	Timeout time.Duration
}

type UploadConfig struct {
	MaxBytes        int64
	ProfileMaxBytes int64
	DropTarget      string
}

type ReactionConfig struct {
	Cooldown time.Duration
}

type SocialConfig struct {
	CacheTTL time.Duration
}

type WorkspaceConfig struct {
	IdleTTL time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type DBConfig struct {
	Driver string
	DSN    string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("recognition.url", "http://localhost:8000/predict/")
	v.SetDefault("recognition.timeout", 60*time.Second)
	v.SetDefault("upload.max_bytes", 10*1024*1024)        // 10MB
	v.SetDefault("upload.profile_max_bytes", 5*1024*1024) // 5MB
	v.SetDefault("upload.drop_target", "upload-box")
	v.SetDefault("reaction.cooldown", time.Second)
	v.SetDefault("social.cache_ttl", 5*time.Minute)
	v.SetDefault("workspace.idle_ttl", 30*time.Minute)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "carspot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
}

// Load reads configuration from defaults, an optional file and the
// environment (CARSPOT_BACKEND_BASE_URL overrides backend.base_url).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("carspot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetString("server.port"),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(v.GetString("backend.base_url"), "/"),
			Timeout: v.GetDuration("backend.timeout"),
		},
		Recognition: RecognitionConfig{
			URL:     v.GetString("recognition.url"),
			Timeout: v.GetDuration("recognition.timeout"),
		},
		Upload: UploadConfig{
			MaxBytes:        v.GetInt64("upload.max_bytes"),
			ProfileMaxBytes: v.GetInt64("upload.profile_max_bytes"),
			DropTarget:      v.GetString("upload.drop_target"),
		},
		Reaction: ReactionConfig{
			Cooldown: v.GetDuration("reaction.cooldown"),
		},
		Social: SocialConfig{
			CacheTTL: v.GetDuration("social.cache_ttl"),
		},
		Workspace: WorkspaceConfig{
			IdleTTL: v.GetDuration("workspace.idle_ttl"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		DB: DBConfig{
			Driver: v.GetString("db.driver"),
			DSN:    v.GetString("db.dsn"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
		CORS: CORSConfig{
			AllowedOrigins: v.GetStringSlice("cors.allowed_origins"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Recognition.URL == "" {
		return fmt.Errorf("recognition.url is required")
	}
	if c.Upload.MaxBytes <= 0 || c.Upload.ProfileMaxBytes <= 0 {
		return fmt.Errorf("upload ceilings must be positive")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
