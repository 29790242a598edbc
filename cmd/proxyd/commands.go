package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// options holds the resolved values of the root command's flags, each
// of which can also come from the environment or the config file via
// viper, the same pairing the cobra-based pack repos use.
type options struct {
	configPath string
	listen     string
	logLevel   string
	gui        bool
}

// bindFlags attaches the root command's flags and binds them through
// viper so PROXYD_CONFIG, PROXYD_LISTEN, and PROXYD_LOG_LEVEL work the
// same as their flag counterparts.
func bindFlags(cmd *cobra.Command) *options {
	opts := &options{}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "proxy.yaml", "path to the proxy's YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.listen, "listen", "", "override src.host:src.port from the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&opts.gui, "gui", false, "accepted for compatibility with the original tool; the proxy itself has no GUI")

	v := viper.New()
	v.SetEnvPrefix("proxyd")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, name := range []string{"config", "listen", "log-level", "gui"} {
		v.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v.IsSet("config") {
			opts.configPath = v.GetString("config")
		}
		if v.IsSet("listen") {
			opts.listen = v.GetString("listen")
		}
		if v.IsSet("log-level") {
			opts.logLevel = v.GetString("log-level")
		}
		opts.gui = v.GetBool("gui")
	}

	return opts
}
