// Package cmd provides the command-line interface for pock with
// configuration management supporting multiple configuration sources.
//
// Configuration System:
//
//	The CLI supports configuration through multiple sources with clear precedence:
//	1. Command-line flags (--dirs, --port, etc.) - highest priority
//	2. Individual environment variables (POCK_PORT, POCK_PROXY_UPSTREAM, etc.)
//	3. Configuration file (--config, POCK_CONFIG_FILE, or .pockrc.{yml,yaml,json})
//	4. Built-in defaults - lowest priority
//
// When a configuration file is used, relative paths in it resolve against
// the file's directory and the mock server runs there.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
)

var cfgFile string

// rootCmd runs the mock server, supervised and restarted on change with -w.
var rootCmd = &cobra.Command{
	Use:   "pock",
	Short: "A mock and proxy server for local development",
	Long: `pock serves mocked HTTP routes described in JSON or YAML files, can host
static resources, and proxies everything else to an upstream.

With --watch the server runs in a worker process that is restarted whenever a
route file changes.

Route files map "METHOD /url [delayMs]" keys to response bodies:

  {
    "GET /users": [{"id": 1}],
    "POST /login 500": "ok"
  }

Examples:
  pock -d mock -w                          Serve and watch ./mock
  pock -f api.yml -u http://localhost:8080 Mock api.yml, proxy the rest
  pock -s dist -x /app -C                  Host ./dist under /app with CORS`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		if _, ok := errors.ExitCode(err); !ok {
			cfg := logging.DefaultConfig()
			cfg.Prefix = "pock"
			errors.NewErrorHandler(logging.NewLogger(cfg)).Handle(context.Background(), err)
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pockrc.yml, .pockrc.yaml or .pockrc.json, can also use POCK_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", config.DefaultLogFormat, "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	addServerFlags(rootCmd)
}

// initConfig initializes the configuration system.
//
// Configuration file priority (highest to lowest):
//  1. --config flag
//  2. POCK_CONFIG_FILE environment variable
//  3. .pockrc.yml, .pockrc.yaml or .pockrc.json in the current directory
//
// Environment variables use the POCK_ prefix with dots replaced by
// underscores, e.g. POCK_PROXY_UPSTREAM=http://localhost:8080.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.DefaultConfigPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else if found := config.FindConfigFile("."); found != "" {
		viper.SetConfigFile(found)
	}

	viper.SetEnvPrefix(config.DefaultConfigPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// readConfig reads the selected configuration file, if any, and loads the
// merged configuration.
func readConfig() (*config.Config, error) {
	if viper.ConfigFileUsed() != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, errors.NewConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("cannot read config file %s: %v", viper.ConfigFileUsed(), err))
		}
	}
	return config.Load()
}

// newLogger builds the process logger from the loaded configuration.
func newLogger(cfg *config.Config, prefix string) (logging.Logger, io.Closer, error) {
	logger, closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File, prefix)
	if err != nil {
		return nil, nil, errors.WrapConfig(err, errors.CodeInvalidConfig, "invalid logging settings")
	}
	return logger, closer, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg, "pock")
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info(ctx, "Using config file: "+used)
	}

	if cfg.Watch {
		return runWatch(ctx, cfg, logger)
	}
	return runServe(ctx, cfg, logger)
}
