// Package config loads layered runtime configuration: built-in defaults,
// an optional YAML file, and environment variable overrides, in that
// precedence order.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SESSIONRT_"

// Config holds the process's runtime configuration.
type Config struct {
	Addr       string // Listen address (e.g. ":4327")
	DataDir    string // Data directory for DB and default SSH identity
	ConfigFile string // Optional path to a YAML config file

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLS      bool

	DefaultSSHKeyPath string // Fallback SSH identity when a session has none
}

var defaults = map[string]interface{}{
	"addr":                 ":4327",
	"smtp.host":            "localhost",
	"smtp.port":            2525,
	"smtp.username":        "",
	"smtp.password":        "",
	"smtp.from":            "sessionforge@localhost",
	"smtp.tls":             false,
	"default_ssh_key_path": "",
}

// DefineFlags registers the process-level command-line flags and returns
// a Config seeded with their values. Call flag.Parse() before Load.
func DefineFlags() *Config {
	c := &Config{}
	flag.StringVar(&c.Addr, "addr", "", "listen address (overrides config file/env)")
	flag.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	flag.StringVar(&c.ConfigFile, "config", "", "path to a YAML config file")
	return c
}

// Load resolves the layered configuration: defaults, then the optional
// YAML file, then SESSIONRT_-prefixed environment variables. Flag values
// captured by DefineFlags take precedence over all three when non-empty.
func Load(flags *Config) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if flags.ConfigFile != "" {
		if err := k.Load(file.Provider(flags.ConfigFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", flags.ConfigFile, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	c := &Config{
		Addr:         k.String("addr"),
		DataDir:      flags.DataDir,
		ConfigFile:   flags.ConfigFile,
		SMTPHost:     k.String("smtp.host"),
		SMTPPort:     k.Int("smtp.port"),
		SMTPUsername: k.String("smtp.username"),
		SMTPPassword: k.String("smtp.password"),
		SMTPFrom:     k.String("smtp.from"),
		SMTPTLS:      k.Bool("smtp.tls"),

		DefaultSSHKeyPath: k.String("default_ssh_key_path"),
	}

	if flags.Addr != "" {
		c.Addr = flags.Addr
	}

	return c, nil
}

// envKeyTransform converts SESSIONRT_SMTP_HOST into smtp.host.
func envKeyTransform(s string) string {
	s = s[len(envPrefix):]
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '.')
			continue
		}
		if r >= 'A' && r <= 'Z' {
			out = append(out, byte(r-'A'+'a'))
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// Validate checks configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "sessionforge")
	}
	return filepath.Join(home, ".config", "sessionforge")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sessionforge.db")
}
