package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/localrivet/livegate/config"
)

var (
	version   = "dev"
	cfgFile   string
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "livegate",
	Short: "Realtime voice session gateway",
	Long: `livegate accepts client WebSocket connections, opens a live session with the
model service for each one, and answers the model's tool calls using stdio
capability providers.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./livegate.yaml or ~/.config/livegate/livegate.yaml)")
	rootCmd.PersistentFlags().StringP("providers", "p", "",
		"providers file (JSON or YAML, mcpServers format)")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level: debug, info, warn, error")
	rootCmd.Flags().StringP("listen", "l", "",
		"listen address, e.g. :3000")

	_ = viper.BindPFlag("providers.file", rootCmd.PersistentFlags().Lookup("providers"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(toolsCmd)
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. ./livegate.yaml
		// 2. ~/.config/livegate/livegate.yaml
		v.SetConfigName("livegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "livegate"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Running from environment variables alone is fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			configErr = err
		}
	}
}

func setVersion(v string) {
	version = v
	rootCmd.Version = v
}
