package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pock-dev/pock/internal/config"
)

// serverFlag describes one flag and the configuration key it feeds.
type serverFlag struct {
	name      string
	shorthand string
	key       string
	usage     string
	define    func(fs *pflag.FlagSet, f serverFlag)
}

func stringSlice(fs *pflag.FlagSet, f serverFlag) {
	fs.StringSliceP(f.name, f.shorthand, nil, f.usage)
}

func stringFlag(def string) func(fs *pflag.FlagSet, f serverFlag) {
	return func(fs *pflag.FlagSet, f serverFlag) {
		fs.StringP(f.name, f.shorthand, def, f.usage)
	}
}

func boolFlag(fs *pflag.FlagSet, f serverFlag) {
	fs.BoolP(f.name, f.shorthand, false, f.usage)
}

func intFlag(def int) func(fs *pflag.FlagSet, f serverFlag) {
	return func(fs *pflag.FlagSet, f serverFlag) {
		fs.IntP(f.name, f.shorthand, def, f.usage)
	}
}

func durationFlag(fs *pflag.FlagSet, f serverFlag) {
	fs.Duration(f.name, 0, f.usage)
}

// serverFlags mirrors the configuration file layout so a .pockrc file and the
// command line describe the same server.
var serverFlags = []serverFlag{
	{"dirs", "d", "dirs", "directories containing route files", stringSlice},
	{"files", "f", "files", "route files", stringSlice},
	{"static", "s", "static.root", "static resource directory", stringFlag("")},
	{"static-prefix", "x", "static.prefix", "path prefix for the static resource server (default /)", stringFlag("")},
	{"upstream", "u", "proxy.upstream", "upstream for the proxy, such as http://www.example.com", stringFlag("")},
	{"prefix", "P", "proxy.prefix", "path prefix for the proxy (default /)", stringFlag("")},
	{"watch", "w", "watch", "restart the server when route files change", boolFlag},
	{"host", "H", "host", "host to bind to", stringFlag(config.DefaultHost)},
	{"port", "p", "port", "port to serve on", intFlag(config.DefaultPort)},
	{"cors", "C", "cors", "enable CORS", boolFlag},
	{"ssl", "S", "ssl.enabled", "serve HTTPS, --cert and --key are required", boolFlag},
	{"cert", "c", "ssl.cert", "TLS certificate file", stringFlag("")},
	{"key", "k", "ssl.key", "TLS key file", stringFlag("")},
	{"debounce", "", "debounce", "quiet period before a change restarts the server (default 300ms)", durationFlag},
	{"ready-timeout", "", "ready_timeout", "restart a worker that does not report ready in time (0 disables)", durationFlag},
	{"log-file", "", "log.file", "also write JSON logs to this file, rotated by size", stringFlag("")},
}

// addServerFlags defines the server flags on cmd and binds each to its
// configuration key.
func addServerFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	for _, f := range serverFlags {
		f.define(fs, f)
		_ = viper.BindPFlag(f.key, fs.Lookup(f.name))
	}
}
