// Command stratumd runs a stratum server built from a YAML/env config
// file. It registers no routes, so the router logs and drops every
// method a client sends; it has no hook for adding routes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratumd/stratumd/ban"
	"github.com/stratumd/stratumd/config"
	"github.com/stratumd/stratumd/difficulty"
	"github.com/stratumd/stratumd/internal/util"
	"github.com/stratumd/stratumd/miner"
	"github.com/stratumd/stratumd/server"
)

var (
	version = "dev"
)

func main() {
	var configPath string
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "stratumd",
		Short: "Generic Stratum-family mining server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("stratumd %s\n", version)
				return nil
			}
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a stratumd config file")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	fc, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("stratumd: load config: %w", err)
	}
	cfg, err := fc.ToBuilder().Snapshot()
	if err != nil {
		return fmt.Errorf("stratumd: invalid config: %w", err)
	}

	log := util.Named("main")
	log.Infow("starting stratumd", "version", version)

	// No ImportCancellationToken: the server's own signal-watcher
	// handles SIGINT/SIGTERM/SIGQUIT shutdown.
	builder := server.NewBuilder().
		Listen(fc.Host, fc.Port).
		MaxConnections(cfg.MaxConnections).
		ProxyProtocol(cfg.ProxyProtocol).
		ActiveTimeout(cfg.ActiveTimeout).
		VarDiff(miner.VarDiffConfig{
			Enabled:             cfg.VarDiff.Enabled,
			TargetInterval:      cfg.VarDiff.TargetTime,
			RetargetShareAmount: cfg.VarDiff.RetargetShareAmount,
			RetargetInterval:    cfg.VarDiff.RetargetTime,
			MinimumDifficulty:   difficulty.Difficulty(cfg.VarDiff.MinimumDifficulty),
			MaximumDifficulty:   difficulty.Difficulty(cfg.VarDiff.MaximumDifficulty),
		}).
		BanScoring(miner.BanConfig{
			CheckThreshold: cfg.CheckThreshold,
			InvalidPercent: cfg.InvalidPercent,
		}).
		BanManager(ban.Config{
			Enabled:         cfg.Bans.Enabled,
			DefaultDuration: cfg.Bans.DefaultBanDuration,
		}).
		InitialDifficulty(func() uint64 { return cfg.VarDiff.InitialDifficulty })

	s, err := builder.Build()
	if err != nil {
		return fmt.Errorf("stratumd: build server: %w", err)
	}

	return s.Start()
}
