// Package config loads process configuration from the environment plus an
// optional YAML file describing the directory-server chain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"veriam.dev/internal/identity"
)

// Environment variables understood by the service.
const (
	EnvAddr            = "VERIAM_ADDR"
	EnvDatabaseDSN     = "VERIAM_PG_DSN"
	EnvTokenSecret     = "VERIAM_TOKEN_SECRET"
	EnvIssuer          = "VERIAM_ISSUER"
	EnvAccessTTL       = "VERIAM_ACCESS_TTL"
	EnvRefreshTTL      = "VERIAM_REFRESH_TTL"
	EnvCacheTTL        = "VERIAM_CACHE_TTL"
	EnvRedisAddr       = "VERIAM_REDIS_ADDR"
	EnvDirectoryConfig = "VERIAM_DIRECTORY_CONFIG"
)

// Config is the resolved process configuration.
type Config struct {
	Addr        string
	DatabaseDSN string
	TokenSecret string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	CacheTTL    time.Duration
	RedisAddr   string
	Directory   []identity.DirectoryServer
}

// Load reads configuration from the environment, failing fast on anything
// malformed. The token secret is the only hard requirement.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:        envOr(EnvAddr, ":8080"),
		DatabaseDSN: os.Getenv(EnvDatabaseDSN),
		TokenSecret: strings.TrimSpace(os.Getenv(EnvTokenSecret)),
		Issuer:      os.Getenv(EnvIssuer),
		RedisAddr:   os.Getenv(EnvRedisAddr),
	}
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("%s is required", EnvTokenSecret)
	}

	var err error
	if cfg.AccessTTL, err = envDuration(EnvAccessTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = envDuration(EnvRefreshTTL); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDuration(EnvCacheTTL); err != nil {
		return nil, err
	}

	if path := os.Getenv(EnvDirectoryConfig); path != "" {
		servers, err := LoadDirectoryServers(path)
		if err != nil {
			return nil, err
		}
		cfg.Directory = servers
	}
	return cfg, nil
}

type directoryFile struct {
	Servers []directoryServerYAML `yaml:"servers"`
}

type directoryServerYAML struct {
	URL          string `yaml:"url"`
	BaseDN       string `yaml:"base_dn"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
	Filter       string `yaml:"filter"`
	StartTLS     bool   `yaml:"start_tls"`
	Timeout      string `yaml:"timeout"`
	Label        string `yaml:"label"`
	Domain       string `yaml:"domain"`
	UsernameAttr string `yaml:"username_attr"`
	EmailAttr    string `yaml:"email_attr"`
}

// LoadDirectoryServers parses the YAML directory-server list.
func LoadDirectoryServers(path string) ([]identity.DirectoryServer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory config: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse directory config: %w", err)
	}
	servers := make([]identity.DirectoryServer, 0, len(file.Servers))
	for i, s := range file.Servers {
		if s.URL == "" || s.BaseDN == "" || s.Filter == "" {
			return nil, fmt.Errorf("directory config: server %d needs url, base_dn and filter", i)
		}
		if !strings.Contains(s.Filter, "%s") {
			return nil, fmt.Errorf("directory config: server %d filter must contain %%s", i)
		}
		srv := identity.DirectoryServer{
			URL:          s.URL,
			BaseDN:       s.BaseDN,
			BindDN:       s.BindDN,
			BindPassword: s.BindPassword,
			Filter:       s.Filter,
			StartTLS:     s.StartTLS,
			Label:        s.Label,
			Domain:       s.Domain,
			UsernameAttr: s.UsernameAttr,
			EmailAttr:    s.EmailAttr,
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("directory config: server %d timeout: %w", i, err)
			}
			srv.Timeout = d
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
