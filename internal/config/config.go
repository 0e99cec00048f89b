// Package config loads StackMemory's per-project config.json (spec §6) via
// viper, the same config-singleton idiom the teacher uses for config.yaml
// (cmd/bd/config.go, internal/labelmutex/policy.go) — swapped to JSON since
// spec §6 names config.json, not yaml, as the on-disk format. A sibling
// config.toml, read with the teacher's own BurntSushi/toml, is accepted as
// a secondary/legacy overlay for values config.json doesn't set.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Env var names overriding config.json (spec §6 identity + §9 test-mode
// escape hatch).
const (
	EnvProject  = "STACKMEMORY_PROJECT"
	EnvSession  = "STACKMEMORY_SESSION"
	EnvTestSkip = "STACKMEMORY_TEST_SKIP_DB"
	EnvLogLevel = "LOG_LEVEL"
)

// Config is the parsed, defaulted contents of config.json.
type Config struct {
	FrameMaxDepth      int           `mapstructure:"frame_max_depth"`
	ContextBudget      int           `mapstructure:"context_budget_tokens"`
	LocalSizeCapBytes  int64         `mapstructure:"local_size_cap_bytes"`
	MigrationBatchSize int           `mapstructure:"migration_batch_size"`
	MigrationInterval  time.Duration `mapstructure:"migration_interval"`
	SoftQueueCeiling   int           `mapstructure:"soft_queue_ceiling"`
	WatchRoots         []string      `mapstructure:"watch_roots"`
	WatchExtensions    []string      `mapstructure:"watch_extensions"`
	WatchIgnore        []string      `mapstructure:"watch_ignore"`
	LogLevel           string        `mapstructure:"log_level"`
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("frame_max_depth", 10_000)
	v.SetDefault("context_budget_tokens", 10_000)
	v.SetDefault("local_size_cap_bytes", int64(2<<30)) // 2 GiB
	v.SetDefault("migration_batch_size", 50)
	v.SetDefault("migration_interval", "60s")
	v.SetDefault("soft_queue_ceiling", 10_000)
	v.SetDefault("watch_extensions", []string{".go", ".ts", ".tsx", ".py", ".rs", ".java"})
	v.SetDefault("watch_ignore", []string{".git", "node_modules", "vendor", "dist", "build"})
	v.SetDefault("log_level", "info")
	return v
}

// Load reads config.json from configPath (typically
// <project_root>/.stackmemory/config.json), falling back to defaults for a
// missing file, and applies env var overrides. A missing config.json is not
// an error — spec §6 describes it as the per-project config file, created
// lazily on first use.
func Load(configPath string) (*Config, error) {
	v := defaults()

	if overlay, err := loadTOMLOverlay(configPath); err != nil {
		return nil, err
	} else if overlay != nil {
		if err := v.MergeConfigMap(overlay); err != nil {
			return nil, err
		}
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
	}

	v.SetEnvPrefix("STACKMEMORY")
	v.AutomaticEnv()
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		v.Set("log_level", lvl)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// tomlOverlayName is the secondary config format's filename, read from the
// same directory as configPath (e.g. <project>/.stackmemory/config.toml
// next to config.json).
const tomlOverlayName = "config.toml"

// loadTOMLOverlay reads config.toml next to configPath, if present, the way
// a project migrating from an older TOML-based tool's config would carry
// one forward. Returns (nil, nil) if no overlay file exists.
func loadTOMLOverlay(configPath string) (map[string]any, error) {
	overlayPath := filepath.Join(filepath.Dir(configPath), tomlOverlayName)
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m map[string]any
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ProjectOverride returns the STACKMEMORY_PROJECT override, if set — spec §6
// lets callers pin project identity rather than rely on cwd/git-remote
// discovery, mainly for tests and CI.
func ProjectOverride() (string, bool) {
	v, ok := os.LookupEnv(EnvProject)
	return v, ok
}

// SessionOverride returns the STACKMEMORY_SESSION override, if set.
func SessionOverride() (string, bool) {
	v, ok := os.LookupEnv(EnvSession)
	return v, ok
}

// TestSkipDB reports whether STACKMEMORY_TEST_SKIP_DB is set, letting test
// harnesses run the Tool Surface against the in-memory backend without
// touching a real sqlite file.
func TestSkipDB() bool {
	return os.Getenv(EnvTestSkip) != ""
}
