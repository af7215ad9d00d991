// Package config provides configuration management for pock using Viper for
// flexible loading from .pockrc files, POCK_ environment variables, and
// command-line flags.
//
// The configuration describes two things: the mock server a worker boots
// (ServerOptions, which travels to the worker inside the START message) and
// the supervisor around it (watch mode, debounce delay, READY timeout, logging).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Defaults applied by Load when a value is not set.
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 3000
	DefaultPrefix       = "/"
	DefaultDebounce     = 300 * time.Millisecond
	DefaultBodyLimit    = 10 << 20
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultCORSMaxAge   = 7200
	DefaultConfigPrefix = "POCK"
)

// ConfigFileNames are searched, in order, in the working directory.
var ConfigFileNames = []string{".pockrc.yml", ".pockrc.yaml", ".pockrc.json"}

type Config struct {
	Server       ServerOptions `mapstructure:",squash"`
	Watch        bool          `mapstructure:"watch"`
	Debounce     time.Duration `mapstructure:"debounce"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	Log          LogConfig     `mapstructure:"log"`
	// Cwd is the directory relative paths resolve against: the config file's
	// directory when one is used, the process working directory otherwise.
	Cwd string `mapstructure:"-"`
}

// ServerOptions is everything a worker needs to boot the mock server.
type ServerOptions struct {
	Dirs      []string       `mapstructure:"dirs" json:"dirs,omitempty"`
	Files     []string       `mapstructure:"files" json:"files,omitempty"`
	Static    *StaticOptions `mapstructure:"static" json:"static,omitempty"`
	Proxy     *ProxyOptions  `mapstructure:"proxy" json:"proxy,omitempty"`
	SSL       *SSLOptions    `mapstructure:"ssl" json:"ssl,omitempty"`
	Host      string         `mapstructure:"host" json:"host"`
	Port      int            `mapstructure:"port" json:"port"`
	CORS      CORSOptions    `mapstructure:"cors" json:"cors"`
	BodyLimit int64          `mapstructure:"body_limit" json:"body_limit"`
}

type StaticOptions struct {
	Root   string `mapstructure:"root" json:"root"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
}

type ProxyOptions struct {
	Upstream string `mapstructure:"upstream" json:"upstream"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

type SSLOptions struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Cert    string `mapstructure:"cert" json:"cert"`
	Key     string `mapstructure:"key" json:"key"`
}

type CORSOptions struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins,omitempty"`
	MaxAge         int      `mapstructure:"max_age" json:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// HasMockServer reports whether anything is configured for the server to do.
func (o *ServerOptions) HasMockServer() bool {
	return len(o.Dirs) > 0 || len(o.Files) > 0 || o.Static != nil || o.Proxy != nil
}

// HasRoutes reports whether route files are configured.
func (o *ServerOptions) HasRoutes() bool {
	return len(o.Dirs) > 0 || len(o.Files) > 0
}

func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	// Handle slices set via viper (workaround for viper slice handling)
	if viper.IsSet("dirs") && len(config.Server.Dirs) == 0 {
		config.Server.Dirs = viper.GetStringSlice("dirs")
	}
	if viper.IsSet("files") && len(config.Server.Files) == 0 {
		config.Server.Files = viper.GetStringSlice("files")
	}

	applyDefaults(&config)

	cwd, err := resolveCwd(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	config.Cwd = cwd

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		corsShorthandHook,
	)
}

// corsShorthandHook accepts "cors: true" as the default CORS policy.
func corsShorthandHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(CORSOptions{}) || from.Kind() != reflect.Bool {
		return data, nil
	}
	return map[string]interface{}{"enabled": data}, nil
}

func applyDefaults(config *Config) {
	s := &config.Server

	s.Dirs = compact(s.Dirs)
	s.Files = compact(s.Files)

	// Flags bound to nested keys always materialize the struct, so an empty
	// one means the feature was not asked for.
	if s.Static != nil && s.Static.Root == "" {
		s.Static = nil
	}
	if s.Static != nil && s.Static.Prefix == "" {
		s.Static.Prefix = DefaultPrefix
	}
	if s.Proxy != nil && s.Proxy.Upstream == "" {
		s.Proxy = nil
	}
	if s.Proxy != nil && s.Proxy.Prefix == "" {
		s.Proxy.Prefix = DefaultPrefix
	}
	if s.SSL != nil {
		if s.SSL.Cert != "" || s.SSL.Key != "" {
			s.SSL.Enabled = true
		}
		if !s.SSL.Enabled {
			s.SSL = nil
		}
	}

	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !viper.IsSet("port") && s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.BodyLimit == 0 {
		s.BodyLimit = DefaultBodyLimit
	}
	if s.CORS.Enabled && s.CORS.MaxAge == 0 {
		s.CORS.MaxAge = DefaultCORSMaxAge
	}

	if !viper.IsSet("debounce") && config.Debounce == 0 {
		config.Debounce = DefaultDebounce
	}

	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
	if config.Log.Format == "" {
		config.Log.Format = DefaultLogFormat
	}
}

func compact(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func resolveCwd(configFile string) (string, error) {
	if configFile != "" {
		abs, err := filepath.Abs(configFile)
		if err != nil {
			return "", fmt.Errorf("resolving config file path: %w", err)
		}
		return filepath.Dir(abs), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return cwd, nil
}

// FindConfigFile returns the first .pockrc file present in dir, or "".
func FindConfigFile(dir string) string {
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
