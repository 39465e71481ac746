// Package adventure parses adventure command flags and starts the session
// coordination runtime.
package adventure

import (
	"context"
	"flag"
	"time"

	"github.com/lorekeep/lorekeep/internal/app"
	entrypoint "github.com/lorekeep/lorekeep/internal/platform/cmd"
)

// Config holds adventure command configuration.
type Config struct {
	DBPath   string `env:"LOREKEEP_ADVENTURE_DB_PATH" envDefault:"adventure.db"`
	GRPCAddr string `env:"LOREKEEP_ADVENTURE_GRPC_ADDR" envDefault:":8084"`

	AutosaveInterval   time.Duration `env:"LOREKEEP_ADVENTURE_AUTOSAVE_INTERVAL" envDefault:"30s"`
	SweepInterval      time.Duration `env:"LOREKEEP_ADVENTURE_SWEEP_INTERVAL" envDefault:"15m"`
	LedgerStaleAfter   time.Duration `env:"LOREKEEP_ADVENTURE_LEDGER_STALE_AFTER" envDefault:"24h"`
	CacheSweepInterval time.Duration `env:"LOREKEEP_ADVENTURE_CACHE_SWEEP_INTERVAL" envDefault:"1m"`

	GeneratorAddr string `env:"LOREKEEP_ADVENTURE_GENERATOR_ADDR"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database file")
	fs.StringVar(&cfg.GRPCAddr, "addr", cfg.GRPCAddr, "The gRPC health listen address")
	fs.DurationVar(&cfg.AutosaveInterval, "autosave-interval", cfg.AutosaveInterval, "How often cached session state is flushed")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often stale resource ledgers are swept")
	fs.DurationVar(&cfg.LedgerStaleAfter, "ledger-stale-after", cfg.LedgerStaleAfter, "Age after which terminal-session ledgers are removed")
	fs.DurationVar(&cfg.CacheSweepInterval, "cache-sweep-interval", cfg.CacheSweepInterval, "How often expired cache entries are swept")
	fs.StringVar(&cfg.GeneratorAddr, "generator-addr", cfg.GeneratorAddr, "Content generator peer address probed at startup")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the session coordination service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAdventure, func(ctx context.Context) error {
		return app.Run(ctx, app.Options{
			DBPath:             cfg.DBPath,
			GRPCAddr:           cfg.GRPCAddr,
			AutosaveInterval:   cfg.AutosaveInterval,
			SweepInterval:      cfg.SweepInterval,
			LedgerStaleAfter:   cfg.LedgerStaleAfter,
			CacheSweepInterval: cfg.CacheSweepInterval,
			GeneratorAddr:      cfg.GeneratorAddr,
		})
	})
}
