package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"

	defaultPresenceTTL = 2 * time.Minute
)

// Options holds the raw, unvalidated settings read from a config file and
// command line flags.
type Options struct {
	ServerAddr     string        `yaml:"server_addr"`
	DatabaseDSN    string        `yaml:"database_dsn"`
	StorageBackend string        `yaml:"storage_backend"`
	MongoDatabase  string        `yaml:"mongo_database"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	SigningKey     string        `yaml:"signing_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	FanOutOnSend   bool          `yaml:"fanout_on_send"`
	Debug          bool          `yaml:"debug"`
}

type Config struct {
	DatabaseDSN    string
	StorageBackend string
	MongoDatabase  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PresenceTTL    time.Duration
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	FanOutOnSend   bool
	Debug          bool
}

func DefaultOptions() Options {
	return Options{
		ServerAddr:     "localhost:8000",
		StorageBackend: BackendPostgres,
		MongoDatabase:  "campuslink",
		PresenceTTL:    defaultPresenceTTL,
		FanOutOnSend:   true,
	}
}

// LoadFile overlays the YAML file at path onto opts. Keys missing from the
// file keep their current value.
func LoadFile(path string, opts *Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, opts); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}

	return key, nil
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if !slices.Contains([]string{BackendPostgres, BackendMongo}, opts.StorageBackend) {
		return nil, fmt.Errorf("unknown storage backend %q", opts.StorageBackend)
	}
	if opts.StorageBackend == BackendMongo && opts.MongoDatabase == "" {
		return nil, fmt.Errorf("mongo database name cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}

	return &Config{
		DatabaseDSN:    opts.DatabaseDSN,
		StorageBackend: opts.StorageBackend,
		MongoDatabase:  opts.MongoDatabase,
		RedisAddr:      opts.RedisAddr,
		RedisPassword:  opts.RedisPassword,
		RedisDB:        opts.RedisDB,
		PresenceTTL:    ttl,
		ServerAddr:     opts.ServerAddr,
		SigningKey:     signingKey,
		AllowedOrigins: opts.AllowedOrigins,
		FanOutOnSend:   opts.FanOutOnSend,
		Debug:          opts.Debug,
	}, nil
}
