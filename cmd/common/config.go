package common

import (
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	CacheDir      string `yaml:"cacheDir"`
	LogLevel      string `yaml:"log"`
	RetentionDays int    `yaml:"retentionDays"`
}

// DefaultConfigPath returns the default config location for contree-broker
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "contree-broker/config.yml")
}

// LoadConfig is the primary way of loading contree-broker's config
func LoadConfig(path string) *Config {
	xdgCacheDir, _ := os.UserCacheDir()
	defaults := Config{
		URL:           "https://contree.dev",
		CacheDir:      filepath.Join(xdgCacheDir, "contree-broker"),
		LogLevel:      "info",
		RetentionDays: 120,
	}

	conf, err := os.ReadFile(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Configuration file not found, using defaults.")
		return &defaults
	}
	config := &Config{}
	if err = yaml.Unmarshal(conf, config); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
	}
	if err = mergo.Merge(config, defaults); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not merge configuration file with defaults, using defaults only.")
	}

	config.CacheDir = UnescapeHome(config.CacheDir)
	return config
}

// Write config to a file
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		log.Error().Err(err).Msg("Could not marshal config!")
		return err
	}
	os.MkdirAll(filepath.Dir(path), 0700)
	err = os.WriteFile(path, out, 0600)
	if err != nil {
		log.Error().Err(err).Msg("Could not write config to disk.")
	}
	return err
}

// UnescapeHome replaces a leading "~" with the user's home directory
func UnescapeHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homedir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homedir, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
