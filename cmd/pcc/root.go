package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/config"
	"github.com/pump-control/pcc/internal/observability"
)

// rootOptions is the state shared by all subcommands.
type rootOptions struct {
	configFile string
	// configUsed is the file viper actually read, empty when running on
	// defaults and environment only.
	configUsed string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "pcc",
		Short:         "Pump control core: constrained, serialized insulin pump commands.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./pcc.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(opts),
		newResolveCmd(opts),
		newProfileCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and initializes the global logger.
func (o *rootOptions) load() error {
	v := config.NewViper(o.configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.configUsed = v.ConfigFileUsed()
	o.logger = observability.InitializeLogger(cfg.Logger)
	return nil
}
