package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/anvil/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "anvil",
		Short:         "Anvil - bare metal provisioning orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("lease-backend", "", "lease store: local or mongo")
	cmd.PersistentFlags().String("node-backend", "", "node store: local or badger")
	cmd.PersistentFlags().String("mongo-uri", "", "MongoDB URI for the mongo lease store")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("lease_backend", cmd.PersistentFlags().Lookup("lease-backend"))
	_ = viper.BindPFlag("node_backend", cmd.PersistentFlags().Lookup("node-backend"))
	_ = viper.BindPFlag("mongo_uri", cmd.PersistentFlags().Lookup("mongo-uri"))

	viper.SetEnvPrefix("ANVIL")
	viper.AutomaticEnv()

	cmd.AddCommand(
		serveCmd,
		nodeCmd,
		deployCmd,
		cacheCmd,
		leaseCmd,
		gcCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.LeaseTTLSeconds <= 0 {
		conf.LeaseTTLSeconds = 60 //nolint:mnd
	}
	if conf.DeployTimeoutSeconds <= 0 {
		conf.DeployTimeoutSeconds = 3600 //nolint:mnd
	}
	if _, err := conf.MasterMaxBytes(); err != nil {
		return fmt.Errorf("invalid master_max_size %q: %w", conf.MasterMaxSize, err)
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
