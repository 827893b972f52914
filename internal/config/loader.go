package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envConfigDir overrides every on-disk path.
const envConfigDir = "PAIR_REVIEW_CONFIG_DIR"

// Load returns the merged configuration from <config_dir>/config.json
// and PAIR_REVIEW_* environment variables. A missing config file is
// not an error; defaults apply.
func Load() (Config, error) {
	dir, err := ResolveConfigDir()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(dir)
}

// LoadFrom loads configuration rooted at an explicit config dir.
func LoadFrom(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.json"))
	v.SetConfigType("json")

	v.SetEnvPrefix("PAIR_REVIEW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigDir = dir

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveConfigDir returns the state root: the environment override
// when set, else ~/.pair-review.
func ResolveConfigDir() (string, error) {
	if dir := os.Getenv(envConfigDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pair-review"), nil
}

// StorePath is the SQLite database location under the config dir.
func (c Config) StorePath() string {
	return filepath.Join(c.ConfigDir, "store.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8731")
	v.SetDefault("analysis.preferredTier", "balanced")
	v.SetDefault("analysis.taskTimeout", "10m")
	v.SetDefault("analysis.runTimeout", "30m")
	v.SetDefault("ui.theme", "system")
}

func validate(cfg Config) error {
	switch cfg.Analysis.PreferredTier {
	case "fast", "balanced", "thorough":
	default:
		return fmt.Errorf("unknown preferred tier %q", cfg.Analysis.PreferredTier)
	}
	for key, path := range cfg.Monorepo {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("monorepo override %s must be an absolute path, got %q", key, path)
		}
	}
	return nil
}
