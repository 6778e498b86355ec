package agent

import (
	"fmt"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"

	"go.bctree.io/bctree/lib"
)

// Config holds the per-process agent options, consolidated from defaults,
// the environment and command-line flags, in that order.
type Config struct {
	Role null.String `json:"role" envconfig:"BCTREE_ROLE"`
	Name null.String `json:"name" envconfig:"BCTREE_NAME"`

	// ListenAddr is where the authority accepts content connections.
	ListenAddr null.String `json:"listenAddr" envconfig:"BCTREE_LISTEN_ADDR"`
	// AuthorityURL is where a content process dials the authority.
	AuthorityURL null.String `json:"authorityURL" envconfig:"BCTREE_AUTHORITY_URL"`

	LogLevel          null.String `json:"logLevel" envconfig:"BCTREE_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"BCTREE_LOG_CATEGORY_FILTER"`
	Verbose           null.Bool   `json:"verbose" envconfig:"BCTREE_VERBOSE"`
}

// NewConfig returns a Config with default values.
func NewConfig() Config {
	return Config{
		Role:         null.NewString("authority", false),
		Name:         null.NewString("bctree", false),
		ListenAddr:   null.NewString("localhost:6599", false),
		AuthorityURL: null.NewString("ws://localhost:6599/", false),
		LogLevel:     null.NewString("info", false),
	}
}

// Apply overlays cfg's set fields on top of c and returns the result.
func (c Config) Apply(cfg Config) Config {
	if cfg.Role.Valid {
		c.Role = cfg.Role
	}
	if cfg.Name.Valid {
		c.Name = cfg.Name
	}
	if cfg.ListenAddr.Valid {
		c.ListenAddr = cfg.ListenAddr
	}
	if cfg.AuthorityURL.Valid {
		c.AuthorityURL = cfg.AuthorityURL
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.Verbose.Valid {
		c.Verbose = cfg.Verbose
	}
	return c
}

// RoleValue parses the configured role string.
func (c Config) RoleValue() (lib.Role, error) {
	switch c.Role.String {
	case "authority":
		return lib.RoleAuthority, nil
	case "content":
		return lib.RoleContent, nil
	default:
		return 0, fmt.Errorf("unknown role %q, expected \"authority\" or \"content\"", c.Role.String)
	}
}

// GetConsolidatedConfig combines defaults, environment variables and
// flag-provided values.
func GetConsolidatedConfig(flagsCfg Config) (Config, error) {
	result := NewConfig()

	envCfg := Config{}
	if err := envconfig.Process("", &envCfg); err != nil {
		return result, fmt.Errorf("reading config from environment: %w", err)
	}

	return result.Apply(envCfg).Apply(flagsCfg), nil
}
