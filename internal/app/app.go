// Package app assembles the runtime shared by the CLI and the server: config
// with environment overrides, the logger, the store and the engine.
package app

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"zkescrow/internal/config"
	"zkescrow/internal/db"
	"zkescrow/internal/engine"
	"zkescrow/internal/logging"
	"zkescrow/internal/migrate"
	"zkescrow/internal/prover"
)

// Options select the workspace and an optional explicit config file. Settings
// are read from Settings when set; keys mirror the yaml paths.
type Options struct {
	Workspace  string
	ConfigFile string
	Settings   *viper.Viper
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
}

// overrides lists the settings that may replace values from zkescrow.yml,
// typically through ZKESCROW_* environment variables.
var overrides = []struct {
	key   string
	apply func(*config.Config, *viper.Viper)
}{
	{"ledger.node_url", func(c *config.Config, v *viper.Viper) { c.Ledger.NodeURL = v.GetString("ledger.node_url") }},
	{"ledger.api_key", func(c *config.Config, v *viper.Viper) { c.Ledger.APIKey = v.GetString("ledger.api_key") }},
	{"ledger.contract_address", func(c *config.Config, v *viper.Viper) {
		c.Ledger.ContractAddress = v.GetString("ledger.contract_address")
	}},
	{"commitment.scheme", func(c *config.Config, v *viper.Viper) { c.Commitment.Scheme = v.GetString("commitment.scheme") }},
	{"prover.workers", func(c *config.Config, v *viper.Viper) { c.Prover.Workers = v.GetInt("prover.workers") }},
	{"wallet.relay_url", func(c *config.Config, v *viper.Viper) { c.Wallet.RelayURL = v.GetString("wallet.relay_url") }},
	{"log.level", func(c *config.Config, v *viper.Viper) { c.Log.Level = v.GetString("log.level") }},
	{"log.format", func(c *config.Config, v *viper.Viper) { c.Log.Format = v.GetString("log.format") }},
	{"log.file", func(c *config.Config, v *viper.Viper) { c.Log.File = v.GetString("log.file") }},
	{"server.addr", func(c *config.Config, v *viper.Viper) { c.Server.Addr = v.GetString("server.addr") }},
}

// LoadConfig reads the workspace config, or defaults when there is none, then
// applies overrides and validates the result.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(opts.ConfigFile) != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if v := opts.Settings; v != nil {
		for _, o := range overrides {
			if v.IsSet(o.key) {
				o.apply(cfg, v)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open builds a Runtime. Callers must Close it.
func Open(opts Options) (*Runtime, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	prover.SetGnarkLogging(strings.EqualFold(cfg.Log.Level, "debug"))

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, opts.Workspace, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{Workspace: opts.Workspace, Config: cfg, Log: log, DB: conn, Engine: e}, nil
}

func (r *Runtime) Close() error {
	_ = r.Log.Sync()
	return r.DB.Close()
}
