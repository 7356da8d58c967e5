// This file defines the configuration structure for the application.
package config

import (
	// use Viper for loading the config.yml file.
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port               int    `mapstructure:"port"`
	AnonymousSubmitter string `mapstructure:"anonymous_submitter"`
	// AnchorRetryInterval is in minutes; 0 disables the periodic re-anchor sweep.
	AnchorRetryInterval int `mapstructure:"anchor_retry_interval"`
	Database            struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Uploads struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"uploads"`
	Analyzer struct {
		URL string `mapstructure:"url"`
		// TimeoutMinutes bounds a single forensic analysis call. Forensic
		// analysis is expensive, so this is measured in minutes, not seconds.
		TimeoutMinutes int `mapstructure:"timeout_minutes"`
	} `mapstructure:"analyzer"`
	Ledger struct {
		// URL of the ledger anchoring service. Empty disables anchoring.
		URL         string `mapstructure:"url"`
		ExplorerURL string `mapstructure:"explorer_url"`
	} `mapstructure:"ledger"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or "yaml"
	viper.AddConfigPath(".")      // looking for config in the current directory

	// --- Environment Variable Overrides ---
	// This tells Viper to look for environment variables with a "SCANPROOF_" prefix.
	// e.g., SCANPROOF_DATABASE_PATH will override the `database.path` key.
	viper.SetEnvPrefix("SCANPROOF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("port", 8080)
	viper.SetDefault("anonymous_submitter", "anonymous")
	viper.SetDefault("anchor_retry_interval", 15)
	viper.SetDefault("database.path", "./scanproof.db")
	viper.SetDefault("uploads.path", "./uploads")
	viper.SetDefault("analyzer.url", "http://localhost:9090")
	viper.SetDefault("analyzer.timeout_minutes", 5)
	viper.SetDefault("ledger.url", "")
	viper.SetDefault("ledger.explorer_url", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
