// Package config loads the per-component TOML configuration files
// (worker.toml, web.toml) that live under a config root directory, with
// STARFISH_-prefixed environment variable overrides.
package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

//go:embed defaults/worker.toml defaults/web.toml
var defaultFiles embed.FS

// ValidationError reports a single invalid config field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// PublishType selects the publication hook variant (C5).
type PublishType string

const (
	PublishNone PublishType = "none"
	PublishS3   PublishType = "s3"
)

// PublishConfig is the tagged publish variant from spec section 6.
type PublishConfig struct {
	Type          PublishType `mapstructure:"type"`
	Bucket        string      `mapstructure:"bucket"`
	Region        string      `mapstructure:"region"`
	AccessKey     string      `mapstructure:"access_key"`
	SecretKey     string      `mapstructure:"secret_key"`
	NixSigningKey string      `mapstructure:"nix_signing_key"`
}

func (p PublishConfig) Validate() error {
	switch p.Type {
	case PublishNone:
		return nil
	case PublishS3:
		if p.Bucket == "" {
			return &ValidationError{"publish.bucket", "required when publish.type = \"s3\""}
		}
		if p.Region == "" {
			return &ValidationError{"publish.region", "required when publish.type = \"s3\""}
		}
		if p.NixSigningKey == "" {
			return &ValidationError{"publish.nix_signing_key", "required when publish.type = \"s3\""}
		}
		return nil
	default:
		return &ValidationError{"publish.type", fmt.Sprintf("unknown variant %q", p.Type)}
	}
}

// WorkerConfig is the worker component's configuration (spec section 6).
type WorkerConfig struct {
	BuildShell      string        `mapstructure:"build_shell"`
	GitSSHKey       string        `mapstructure:"git_ssh_key"`
	Builders        []string      `mapstructure:"builders"`
	TargetPlatforms []string      `mapstructure:"target_platforms"`
	LogPath         string        `mapstructure:"log_path"`
	ScmPath         string        `mapstructure:"scm_path"`
	Lockfile        string        `mapstructure:"lockfile"`
	DatabaseURL     string        `mapstructure:"database_url"`
	Publish         PublishConfig `mapstructure:"publish"`
}

func (c *WorkerConfig) Validate() error {
	if c.BuildShell == "" {
		return &ValidationError{"build_shell", "must not be empty"}
	}
	if c.LogPath == "" {
		return &ValidationError{"log_path", "must not be empty"}
	}
	if c.ScmPath == "" {
		return &ValidationError{"scm_path", "must not be empty"}
	}
	if c.DatabaseURL == "" {
		return &ValidationError{"database_url", "must not be empty"}
	}
	if len(c.TargetPlatforms) == 0 {
		return &ValidationError{"target_platforms", "must list at least one platform"}
	}
	return c.Publish.Validate()
}

// LogFile returns the per-build log path for the given build id.
func (c *WorkerConfig) LogFile(buildID int) string {
	return filepath.Join(c.LogPath, fmt.Sprintf("%d.log", buildID))
}

// WebConfig is the web component's configuration (spec section 6).
type WebConfig struct {
	LogPath       string `mapstructure:"log_path"`
	StaticRoot    string `mapstructure:"static_root"`
	DatabaseURL   string `mapstructure:"database_url"`
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`
}

func (c *WebConfig) Validate() error {
	if c.DatabaseURL == "" {
		return &ValidationError{"database_url", "must not be empty"}
	}
	if c.ListenAddress == "" {
		return &ValidationError{"listen_address", "must not be empty"}
	}
	if c.ListenPort == 0 {
		return &ValidationError{"listen_port", "must not be zero"}
	}
	return nil
}

func (c *WebConfig) LogFile(buildID int) string {
	return filepath.Join(c.LogPath, fmt.Sprintf("%d.log", buildID))
}

// ConfigRoot resolves the directory configs are loaded from: an explicit
// override, else STARFISH_CONFIG_DIR, else "config/dev".
func ConfigRoot(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv("STARFISH_CONFIG_DIR"); v != "" {
		return v
	}
	return "config/dev"
}

func ensureDefault(path, embeddedName string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	data, err := defaultFiles.ReadFile("defaults/" + embeddedName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func newViper(component string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("STARFISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = component
	return v
}

// LoadWorker reads worker.toml from configDir (see ConfigRoot), populating
// it from the embedded default first if absent, then unmarshals it with
// STARFISH_-prefixed environment overrides applied on top.
func LoadWorker(configDir string) (*WorkerConfig, error) {
	root := ConfigRoot(configDir)
	path := filepath.Join(root, "worker.toml")
	if err := ensureDefault(path, "worker.toml"); err != nil {
		return nil, fmt.Errorf("config: populate default worker.toml: %w", err)
	}

	v := newViper("worker")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWeb reads web.toml the same way LoadWorker reads worker.toml.
func LoadWeb(configDir string) (*WebConfig, error) {
	root := ConfigRoot(configDir)
	path := filepath.Join(root, "web.toml")
	if err := ensureDefault(path, "web.toml"); err != nil {
		return nil, fmt.Errorf("config: populate default web.toml: %w", err)
	}

	v := newViper("web")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg WebConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
