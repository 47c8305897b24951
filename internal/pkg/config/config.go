package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Logger     Logger     `yaml:"logger"`
	Storage    Storage    `yaml:"storage"`
	PostgresDB PostgresDB `yaml:"db"`
	Auth       Auth       `yaml:"auth"`
	RedisCache RedisCache `yaml:"rdb"`
	Cache      Cache      `yaml:"cache"`
	List       List       `yaml:"list"`
	Notify     Notify     `yaml:"notify"`
	Jobs       Jobs       `yaml:"jobs"`
}

type Server struct {
	Addr           string        `env:"SERVER_ADDR"     env-default:":8080" yaml:"addr"`
	ReadTimeout    time.Duration `env-default:"5s"      yaml:"readTimeout"`
	IdleTimeout    time.Duration `env-default:"30s"     yaml:"idleTimeout"`
	WriteTimeout   time.Duration `env-default:"5s"      yaml:"writeTimeout"`
	RequestTimeout time.Duration `env-default:"1s"      yaml:"requestTimeout"`
	BaseURL        string        `env-default:"/api/v1" yaml:"baseURL"`
}

type Logger struct {
	Level     string   `env:"LOG_LEVEL" env-default:"info" yaml:"level"`
	Output    []string `yaml:"output"`
	ErrOutput []string `yaml:"errOutput"`
}

// Storage selects the Store implementation. The memory driver keeps
// everything in process and is meant for local runs.
type Storage struct {
	Driver string `env:"STORAGE_DRIVER" env-default:"postgres" yaml:"driver"`
}

type PostgresDB struct {
	Addr     string `yaml:"addr"`
	Username string `env:"POSTGRES_USER"     yaml:"username"`
	Password string `env:"POSTGRES_PASSWORD" yaml:"password"`
	DB       string `env:"POSTGRES_DB"       yaml:"db"`
	SSLmode  string `env-default:"disable"   yaml:"sslmode"`
	MaxConns string `env-default:"20"        yaml:"maxConns"`
	Reload   bool   `yaml:"reload"`
	Version  int    `yaml:"version"`
}

type Auth struct {
	TTL         time.Duration `env-default:"24h"  yaml:"ttl"`
	Secret      string        `env:"SECRET"       yaml:"secret"`
	AdminTokens []string      `yaml:"adminTokens"`
	UserTokens  []string      `yaml:"userTokens"`
}

type RedisCache struct {
	Addr     string        `env:"REDIS_ADDR" yaml:"addr"`
	Password string        `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int           `yaml:"db"`
	ExpTime  time.Duration `env-default:"24h" yaml:"exp"`
}

// Cache configures the in-process banner cache. TTL bounds how long a
// cached-mode read may serve an entry without going back to the store.
type Cache struct {
	Capacity     int           `env-default:"10000" yaml:"capacity"`
	Shards       int           `env-default:"16"    yaml:"shards"`
	TTL          time.Duration `env:"CACHE_TTL"     env-default:"5m" yaml:"ttl"`
	FetchTimeout time.Duration `env-default:"500ms" yaml:"fetchTimeout"`
	Remote       bool          `yaml:"remote"`
}

type List struct {
	DefaultLimit int `env-default:"100"    yaml:"defaultLimit"`
	MaxLimit     int `env-default:"1000"   yaml:"maxLimit"`
	MaxOffset    int `env-default:"100000" yaml:"maxOffset"`
}

type Notify struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `env-default:"banners:changes" yaml:"channel"`
}

type Jobs struct {
	PurgeInterval     time.Duration `env-default:"5h"  yaml:"purgeInterval"`
	ReconcileInterval time.Duration `env-default:"1m"  yaml:"reconcileInterval"`
}

func New(configPath string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config error: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validate config error: %w", err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}

	if c.List.DefaultLimit <= 0 || c.List.MaxLimit < c.List.DefaultLimit {
		return fmt.Errorf("list limits are inconsistent: default %d max %d", c.List.DefaultLimit, c.List.MaxLimit)
	}

	if c.Auth.Secret == "" && len(c.Auth.AdminTokens) == 0 {
		return fmt.Errorf("auth secret or admin tokens required") //nolint:perfsprint
	}

	return nil
}
