package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/flowworker/errors"
)

// ConfigFileName is the file searched for in system, user and project locations
const ConfigFileName = "flowworker.toml"

// Load reads the flowworker configuration using Viper.
// Precedence (lowest to highest): defaults < system < user < project < env vars.
func Load() (*Config, error) {
	return LoadWithViper(newViper())
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		err = errors.Wrap(err, "failed to read config file")
		return nil, errors.WithDetail(err, "Path: "+configPath)
	}

	return LoadWithViper(v)
}

// GetViper returns a fully initialised Viper instance for key-level access
func GetViper() *viper.Viper {
	return newViper()
}

// newViper initializes Viper with configuration sources and defaults
func newViper() *viper.Viper {
	return newViperFor(ConfigPaths())
}

// LoadPaths loads configuration from the given files merged in order, then env vars
func LoadPaths(configPaths []string) (*Config, error) {
	return LoadWithViper(newViperFor(configPaths))
}

func newViperFor(configPaths []string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("FLOWWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v, configPaths)

	return v
}

// ExistingConfigPaths returns the ConfigPaths that exist on disk
func ExistingConfigPaths() []string {
	var existing []string
	for _, p := range ConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	return existing
}

// ConfigPaths returns the candidate config files in precedence order (lowest first)
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()

	paths := []string{
		filepath.Join("/etc/flowworker", ConfigFileName),
		filepath.Join(homeDir, ".flowworker", ConfigFileName),
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, projectConfig)
	}
	return paths
}

// findProjectConfig searches for flowworker.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges each existing config file into v in order
func mergeConfigFiles(v *viper.Viper, configPaths []string) {
	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		// Unreadable files are skipped; Validate catches the resulting gaps
		_ = v.MergeInConfig()
	}
}
