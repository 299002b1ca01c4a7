package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kyoulho/p-roro-sub011/internal/config"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "discovery",
		Short:         "Agentless infrastructure discovery and assessment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newReconcileCmd(opts),
		newClassifyCmd(opts),
		newDialectCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// newLogger builds the process logger from config. No global logger is
// installed; it is passed down explicitly.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
