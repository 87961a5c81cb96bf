package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Name            string        `toml:"name" yaml:"name"`
	Addr            string        `toml:"addr" yaml:"addr" env:"SERVER_ADDR"`
	Endpoint        string        `toml:"endpoint" yaml:"endpoint"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLSCertFile     string        `toml:"tls_cert_file" yaml:"tls_cert_file" env:"SERVER_TLS_CERT"`
	TLSKeyFile      string        `toml:"tls_key_file" yaml:"tls_key_file" env:"SERVER_TLS_KEY"`
	// TrustedProxies lists reverse proxies (IP or CIDR) whose
	// X-Forwarded-For header is believed.
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies" env:"SERVER_TRUSTED_PROXIES"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a
// single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type DatabaseConfig struct {
	Driver          string        `toml:"driver" yaml:"driver" env:"DB_DRIVER"`
	Host            string        `toml:"host" yaml:"host" env:"DB_HOST"`
	Port            int           `toml:"port" yaml:"port" env:"DB_PORT"`
	User            string        `toml:"user" yaml:"user" env:"DB_USER"`
	Password        string        `toml:"password" yaml:"password" env:"DB_PASSWORD"`
	Name            string        `toml:"name" yaml:"name" env:"DB_NAME"`
	Path            string        `toml:"path" yaml:"path" env:"DB_PATH"`
	MaxOpenConns    int           `toml:"max_open_conns" yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// AuthConfig describes the identity provider placed in front of the tools.
// When Enabled is false the server runs unauthenticated.
type AuthConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled" env:"AUTH_ENABLED"`
	Domain       string   `toml:"domain" yaml:"domain" env:"AUTH0_DOMAIN"`
	ClientID     string   `toml:"client_id" yaml:"client_id" env:"AUTH0_CLIENT_ID"`
	ClientSecret string   `toml:"client_secret" yaml:"client_secret" env:"AUTH0_CLIENT_SECRET"`
	Audience     string   `toml:"audience" yaml:"audience" env:"AUTH0_AUDIENCE"`
	BaseURL      string   `toml:"base_url" yaml:"base_url" env:"BASE_URL"`
	Scopes       []string `toml:"scopes" yaml:"scopes"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `toml:"output" yaml:"output" env:"LOG_OUTPUT"`
}

type TracingConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" env:"TRACING_ENABLED"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "employee-crud-server",
			Addr:            "127.0.0.1:8000",
			Endpoint:        "/mcp",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverMySQL,
			Host:            "localhost",
			User:            "root",
			Name:            "employee_db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Scopes: []string{"openid", "profile", "email"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads the optional config file (TOML or YAML by extension), then
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// Validate checks the configuration before anything is opened.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	} else if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.Server.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("server.endpoint must start with '/': %q", c.Server.Endpoint))
	}
	errs = append(errs, c.Database.validate()...)
	if c.Auth.Enabled {
		errs = append(errs, c.Auth.validate()...)
	}
	return errors.Join(errs...)
}

func (d *DatabaseConfig) validate() []error {
	var errs []error
	switch d.Driver {
	case DriverMySQL, DriverPostgres:
		for _, f := range []struct{ name, value string }{
			{"database.host", d.Host},
			{"database.user", d.User},
			{"database.name", d.Name},
		} {
			if f.value == "" {
				errs = append(errs, fmt.Errorf("%s is required for driver %s", f.name, d.Driver))
			}
		}
	case DriverSQLite:
		if d.Path == "" {
			errs = append(errs, errors.New("database.path is required for driver sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q (want mysql, postgres or sqlite)", d.Driver))
	}
	if d.MaxOpenConns < 0 || d.MaxIdleConns < 0 {
		errs = append(errs, errors.New("database pool sizes must not be negative"))
	}
	return errs
}

func (a *AuthConfig) validate() []error {
	var errs []error
	for _, f := range []struct{ env, value string }{
		{"AUTH0_DOMAIN", a.Domain},
		{"AUTH0_CLIENT_ID", a.ClientID},
		{"AUTH0_CLIENT_SECRET", a.ClientSecret},
		{"AUTH0_AUDIENCE", a.Audience},
		{"BASE_URL", a.BaseURL},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("auth enabled but %s is not set", f.env))
		}
	}
	if a.BaseURL != "" {
		if u, err := url.Parse(a.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL: %q", a.BaseURL))
		}
	}
	return errs
}

// IssuerURL is the provider root, accepting a bare domain or a full URL.
func (a *AuthConfig) IssuerURL() string {
	d := strings.TrimSuffix(a.Domain, "/")
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "https://" + d
	}
	return d + "/"
}
