package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/pock-dev/pock/internal/errors"
)

// validateConfig validates configuration values for correctness. The rules
// mirror what the CLI accepts so a .pockrc file cannot describe a server the
// flags could not.
func validateConfig(config *Config) error {
	if err := validateServerOptions(&config.Server); err != nil {
		return err
	}

	if config.Debounce < 0 {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("debounce must not be negative, got %s", config.Debounce))
	}
	if config.ReadyTimeout < 0 {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("ready_timeout must not be negative, got %s", config.ReadyTimeout))
	}

	switch config.Log.Format {
	case "text", "json":
	default:
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("log format %q is not supported (text, json)", config.Log.Format))
	}

	return nil
}

// validateServerOptions validates what a worker will be asked to boot.
func validateServerOptions(s *ServerOptions) error {
	if viper.IsSet("dirs") && len(s.Dirs) == 0 {
		return errors.NewConfigError(errors.CodeInvalidConfig, "--dirs must set correctly.")
	}
	if viper.IsSet("files") && len(s.Files) == 0 {
		return errors.NewConfigError(errors.CodeInvalidConfig, "--files must set correctly.")
	}

	if !s.HasMockServer() {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			"One of dirs, files, static, upstream must set, but none was found.")
	}

	// Validate port range (allow 0 for system-assigned ports in testing)
	if s.Port < 0 || s.Port > 65535 {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("port %d is not in valid range 0-65535", s.Port))
	}

	if s.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", "/"}
		for _, char := range dangerousChars {
			if strings.Contains(s.Host, char) {
				return errors.NewConfigError(errors.CodeInvalidConfig,
					fmt.Sprintf("host contains invalid character: %s", char))
			}
		}
	}

	if s.Static != nil && !strings.HasPrefix(s.Static.Prefix, "/") {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("static prefix must start with /, got %q", s.Static.Prefix))
	}

	if s.Proxy != nil {
		if !strings.HasPrefix(s.Proxy.Prefix, "/") {
			return errors.NewConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("proxy prefix must start with /, got %q", s.Proxy.Prefix))
		}
		if err := validateUpstream(s.Proxy.Upstream); err != nil {
			return err
		}
	}

	if s.SSL != nil && (s.SSL.Cert == "" || s.SSL.Key == "") {
		return errors.NewConfigError(errors.CodeInvalidConfig, "--cert and --key also must set.")
	}

	if s.BodyLimit < 0 {
		return errors.NewConfigError(errors.CodeInvalidConfig, "body_limit must not be negative")
	}

	return nil
}

func validateUpstream(upstream string) error {
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("upstream must set, such as http://www.example.com, got %q", upstream))
	}
	return nil
}
