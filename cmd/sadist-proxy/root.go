package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/internal/config"
	"github.com/ilyaukin/sadist-proxy/internal/observability"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sadist-proxy",
	Short: "Browser-pool web proxy with live traffic interception.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		observability.InitializeLogger(cfg.Logger)
		defer observability.Sync()

		logger := observability.GetLogger()
		logger.Info("Starting sadist-proxy", zap.Int("port", cfg.Server.Port))

		return serve(cmd.Context(), cfg, logger)
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil && ctx.Err() == nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig reads in the config file and SADIST-prefixed environment
// variables.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SADIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("browser.backend_addr", "SADIST_BROWSER_BACKEND_ADDR")
	_ = viper.BindEnv("server.endpoint", "SADIST_SERVER_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults plus env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
