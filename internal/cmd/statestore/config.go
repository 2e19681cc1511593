package statestore

import (
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/formstate/internal/platform/cmd"
)

// Backend kinds accepted by --backend.
const (
	BackendSQLite = "sqlite"
	BackendREST   = "rest"
	BackendMemory = "memory"
)

// Config holds every setting the statestore commands read.
type Config struct {
	StoreSize      int64         `env:"FORMSTATE_STORE_SIZE" envDefault:"20971520"`
	StoreName      string        `env:"FORMSTATE_STORE_NAME" envDefault:"global application"`
	Backend        string        `env:"FORMSTATE_BACKEND" envDefault:"sqlite"`
	DBPath         string        `env:"FORMSTATE_DB_PATH" envDefault:"data/statestore.db"`
	RESTURL        string        `env:"FORMSTATE_REST_URL" envDefault:"http://127.0.0.1:8095"`
	Username       string        `env:"FORMSTATE_USERNAME" envDefault:"guest"`
	Password       string        `env:"FORMSTATE_PASSWORD"`
	Collection     string        `env:"FORMSTATE_COLLECTION" envDefault:"/db/orbeon/xforms/cache/"`
	Secret         string        `env:"FORMSTATE_SECRET"`
	HTTPAddr       string        `env:"FORMSTATE_HTTP_ADDR" envDefault:":8095"`
	GRPCAddr       string        `env:"FORMSTATE_GRPC_ADDR" envDefault:":8096"`
	RequestTimeout time.Duration `env:"FORMSTATE_REQUEST_TIMEOUT" envDefault:"10s"`
	LogLevel       string        `env:"FORMSTATE_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig reads .env files, an optional YAML file and the environment.
func LoadConfig(envFiles []string, configFile string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfigFrom(&cfg, entrypoint.LoadOptions{EnvFiles: envFiles, ConfigFile: configFile}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendSQLite, BackendREST, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendSQLite, BackendREST, BackendMemory)
	}
	if c.StoreSize <= 0 {
		return fmt.Errorf("store size must be positive, got %d", c.StoreSize)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	return nil
}
