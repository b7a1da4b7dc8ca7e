package main

import (
	"fmt"
	"os"
	"time"

	"github.com/campuslink/realtime/internal/config"
	"github.com/spf13/cobra"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	flags      config.Options
}

func defaultRootOptions() *rootOptions {
	ro := &rootOptions{flags: config.DefaultOptions()}
	ro.flags.DatabaseDSN = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	ro.flags.SigningKey = defaultSigningKey
	return ro
}

func buildRootCmd() *cobra.Command {
	return newRootCmd(defaultRootOptions())
}

func newRootCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campuslink-realtime",
		Short: "Run the campus link realtime messaging server",
		Long: `Run the realtime messaging server: account and direct message REST api,
the websocket gateway with online presence, and a Prometheus metrics endpoint.

Settings are read from --config when given. Flags set on the command line
override values from the file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := resolveOptions(cmd, ro.configPath, ro.flags)
			if err != nil {
				return err
			}

			cfg, err := config.NewConfig(opts)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&ro.flags.ServerAddr, "addr", ro.flags.ServerAddr, "server address")
	f.StringVar(&ro.flags.DatabaseDSN, "dsn", ro.flags.DatabaseDSN, "database connection string (postgres DSN or mongodb URI)")
	f.StringVar(&ro.flags.StorageBackend, "backend", ro.flags.StorageBackend, "storage backend: postgres or mongo")
	f.StringVar(&ro.flags.MongoDatabase, "mongo-db", ro.flags.MongoDatabase, "mongo database name")
	f.StringVar(&ro.flags.RedisAddr, "redis-addr", "", "redis address for the presence mirror, empty disables it")
	f.StringVar(&ro.flags.RedisPassword, "redis-password", "", "redis password")
	f.IntVar(&ro.flags.RedisDB, "redis-db", 0, "redis database number")
	f.DurationVar(&ro.flags.PresenceTTL, "presence-ttl", ro.flags.PresenceTTL, "ttl of presence keys in redis")
	f.StringVar(&ro.flags.SigningKey, "signing-key", ro.flags.SigningKey, "base64 encoded signing key")
	f.StringSliceVar(&ro.flags.AllowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	f.BoolVar(&ro.flags.FanOutOnSend, "fanout-on-send", ro.flags.FanOutOnSend, "push messages stored through the REST api to live sessions")
	f.BoolVar(&ro.flags.Debug, "debug", false, "enable debug logging")

	return cmd
}

// resolveOptions layers the config file over the defaults and then applies
// only the flags set explicitly on the command line.
func resolveOptions(cmd *cobra.Command, configPath string, flagOpts config.Options) (config.Options, error) {
	if configPath == "" {
		return flagOpts, nil
	}

	opts := config.DefaultOptions()
	opts.DatabaseDSN = ""
	opts.SigningKey = ""
	if err := config.LoadFile(configPath, &opts); err != nil {
		return config.Options{}, err
	}

	f := cmd.Flags()
	overrides := map[string]func(){
		"addr":            func() { opts.ServerAddr = flagOpts.ServerAddr },
		"dsn":             func() { opts.DatabaseDSN = flagOpts.DatabaseDSN },
		"backend":         func() { opts.StorageBackend = flagOpts.StorageBackend },
		"mongo-db":        func() { opts.MongoDatabase = flagOpts.MongoDatabase },
		"redis-addr":      func() { opts.RedisAddr = flagOpts.RedisAddr },
		"redis-password":  func() { opts.RedisPassword = flagOpts.RedisPassword },
		"redis-db":        func() { opts.RedisDB = flagOpts.RedisDB },
		"presence-ttl":    func() { opts.PresenceTTL = flagOpts.PresenceTTL },
		"signing-key":     func() { opts.SigningKey = flagOpts.SigningKey },
		"allowed-origins": func() { opts.AllowedOrigins = flagOpts.AllowedOrigins },
		"fanout-on-send":  func() { opts.FanOutOnSend = flagOpts.FanOutOnSend },
		"debug":           func() { opts.Debug = flagOpts.Debug },
	}
	for name, apply := range overrides {
		if f.Changed(name) {
			apply()
		}
	}

	return opts, nil
}

const shutdownTimeout = 10 * time.Second
