package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvidchat/corvid/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAdminUser     = "admin"
	defaultTokenTTL      = 24 * time.Hour
	defaultMembershipTTL = 5 * time.Minute
	defaultTypingExpiry  = 10 * time.Second
	defaultSweepSpec     = "@every 10s"
	defaultCacheEntries  = 16384
	defaultPageSize      = 50
)

// Config is the global configuration object which is filled via the
// configuration file, environment variables and command-line flags.
type Config struct {
	LogLevel          string            `mapstructure:"log_level"`
	AdminUser         string            `mapstructure:"admin_user"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	CacheConfig       CacheConfig       `mapstructure:"cache"`
	TypingConfig      TypingConfig      `mapstructure:"typing"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
}

// PersistenceConfig selects the relational backend, type is either
// "postgres" or "sqlite".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// AuthConfig configures session token issuance for the REST layer and the
// websocket handshake.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	TokenTTL  string `mapstructure:"token_ttl"`
}

// An OIDCConfig object configures an OpenID Connect provider that can be used
// as an alternative authentication path on the websocket handshake. Users
// provide an ID token and the name of the provider, the authentication is then
// performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// CacheConfig configures the membership cache. TTL is a duration string,
// MaxEntries bounds the number of memoized (user, chat) pairs.
type CacheConfig struct {
	TTL        string `mapstructure:"ttl"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// TypingConfig configures the typing registry. Expiry is a duration string,
// SweepSpec is a cron spec for the backstop sweep.
type TypingConfig struct {
	Expiry    string `mapstructure:"expiry"`
	SweepSpec string `mapstructure:"sweep_spec"`
}

// HistoryConfig configures message history pagination defaults.
type HistoryConfig struct {
	PageSize int `mapstructure:"page_size"`
}

func (c *Config) TokenTTL() time.Duration {
	if d, err := time.ParseDuration(c.AuthConfig.TokenTTL); err == nil && d > 0 {
		return d
	}
	return defaultTokenTTL
}

func (c *Config) MembershipTTL() time.Duration {
	if d, err := time.ParseDuration(c.CacheConfig.TTL); err == nil && d > 0 {
		return d
	}
	return defaultMembershipTTL
}

func (c *Config) CacheEntries() int {
	if c.CacheConfig.MaxEntries > 0 {
		return c.CacheConfig.MaxEntries
	}
	return defaultCacheEntries
}

func (c *Config) TypingExpiry() time.Duration {
	if d, err := time.ParseDuration(c.TypingConfig.Expiry); err == nil && d > 0 {
		return d
	}
	return defaultTypingExpiry
}

func (c *Config) SweepSpec() string {
	if c.TypingConfig.SweepSpec != "" {
		return c.TypingConfig.SweepSpec
	}
	return defaultSweepSpec
}

func (c *Config) PageSize() int {
	if c.HistoryConfig.PageSize > 0 {
		return c.HistoryConfig.PageSize
	}
	return defaultPageSize
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("admin-user", "a", "", "id of the admin user")
	flagSet.String("log-level", "", "log level (TRACE/DEBUG/INFO/WARN/ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("admin_user", defaultAdminUser)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("CORVID")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config", "error", err)
	}
	return &cfg, nil
}
