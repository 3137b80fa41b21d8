// Package config loads the curvecpctl configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strand-protocol/strand/curvecp/pkg/packet"
	"github.com/strand-protocol/strand/curvecp/pkg/registry"
	"github.com/strand-protocol/strand/curvecp/pkg/stream"
)

// Environment variables that override the file.
const (
	EnvRegistry      = "CURVECP_REGISTRY"
	EnvEtcdEndpoints = "CURVECP_ETCD_ENDPOINTS"
	EnvPostgresDSN   = "CURVECP_POSTGRES_DSN"
)

// Config holds the curvecpctl configuration.
type Config struct {
	Listen          string          `yaml:"listen" json:"listen"`
	ServerName      string          `yaml:"server_name" json:"server_name"`
	KeyFile         string          `yaml:"key_file" json:"key_file"`
	ClientExtension string          `yaml:"client_extension" json:"client_extension"`
	ServerExtension string          `yaml:"server_extension" json:"server_extension"`
	Stream          stream.Config   `yaml:"stream" json:"stream"`
	Registry        registry.Config `yaml:"registry" json:"registry"`
	MetricsAddr     string          `yaml:"metrics_addr" json:"metrics_addr"`
	Log             Log             `yaml:"log" json:"log"`
	OutputFormat    string          `yaml:"output_format" json:"output_format"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultPath returns the default config file path: ~/.curvecp/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".curvecp", "config.yaml")
	}
	return filepath.Join(home, ".curvecp", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen:       ":6543",
		Stream:       stream.Config{}.WithDefaults(),
		Registry:     registry.Config{Backend: registry.BackendMemory},
		Log:          Log{Level: "info", Format: "console"},
		OutputFormat: "table",
	}
}

// Load reads the configuration from the given YAML file path and applies
// environment overrides. If the file does not exist, it returns the
// defaults with no error. Warnings go to warn.
func Load(path string, warn io.Writer) (*Config, error) {
	cfg := Default()

	// The file points at key material; warn if others can read it.
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			fmt.Fprintf(warn,
				"warning: config file %s has permissions %04o, expected 0600. "+
					"It names the key file and registry credentials.\n",
				path, perm)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Stream = cfg.Stream.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvRegistry); v != "" {
		cfg.Registry.Backend = v
	}
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		cfg.Registry.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Registry.PostgresDSN = v
	}
}

// Validate checks values that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("config: stream: %w", err)
	}
	if _, err := ParseExtension(c.ClientExtension); err != nil {
		return fmt.Errorf("config: client_extension: %w", err)
	}
	if _, err := ParseExtension(c.ServerExtension); err != nil {
		return fmt.Errorf("config: server_extension: %w", err)
	}
	if c.ServerName != "" {
		if _, err := packet.EncodeServerName(c.ServerName); err != nil {
			return fmt.Errorf("config: server_name: %w", err)
		}
	}
	return nil
}

// ParseExtension decodes a hex extension of up to 16 bytes. Shorter
// values are zero-padded; an empty string is the zero extension.
func ParseExtension(s string) (packet.Extension, error) {
	var ext packet.Extension
	b, err := hex.DecodeString(s)
	if err != nil {
		return ext, err
	}
	if len(b) > len(ext) {
		return ext, fmt.Errorf("%d bytes, at most %d allowed", len(b), len(ext))
	}
	copy(ext[:], b)
	return ext, nil
}

// Extensions returns the parsed client and server extensions.
func (c *Config) Extensions() (client, server packet.Extension) {
	client, _ = ParseExtension(c.ClientExtension)
	server, _ = ParseExtension(c.ServerExtension)
	return client, server
}
