package main

import (
	"time"

	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/kennethnrk/sqlml/internal/logger"
	"github.com/kennethnrk/sqlml/internal/metrics"
	grpcregistry "github.com/kennethnrk/sqlml/internal/registry/api"
	"github.com/kennethnrk/sqlml/internal/storage"
	"github.com/spf13/cobra"
)

type options struct {
	configFile string
	cfg        *config.Configs
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "sqlml",
		Short:         "run model specs over Arrow batches and manage SQL model definitions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			logger.Init(cfg)
			metrics.Init(cfg)
			storage.Init(cfg)
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newPredictCmd(opts))
	cmd.AddCommand(newRegisterCmd(opts))
	cmd.AddCommand(newSQLCmd(opts))
	return cmd
}

// registryClient dials the configured registry. Connecting is lazy, so
// commands that never resolve a registry URI make no network calls.
func (o *options) registryClient() (*grpcregistry.Client, func(), error) {
	c, conn, err := grpcregistry.Dial(o.cfg.RegistryGrpcAddr, o.cfg.RegistryCacheSize,
		time.Duration(o.cfg.RegistryCacheTTLSecond)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		_ = conn.Close()
	}, nil
}
