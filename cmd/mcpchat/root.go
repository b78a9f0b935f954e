package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagConfig         = "config"
	flagLogFormat      = "log-format"
	flagLogLevel       = "log-level"
	flagToolStore      = "tool-store"
	flagLogJSONRPC     = "log-jsonrpc"
	flagConnectTimeout = "connect-timeout"
	flagCallTimeout    = "call-timeout"
	flagListTimeout    = "list-timeout"
	flagOutput         = "output"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "mcpchat",
		Short:         "mcpchat connects remote MCP tool servers and runs their tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v)
		},
	}

	flags := cmd.PersistentFlags()
	addGlobalFlags(flags)
	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("MCPCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newServeCommand(v),
		newToolsCommand(v),
		newCallCommand(v),
		newStatusCommand(v),
	)
	return cmd
}

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.String(flagConfig, "mcpchat.yaml", "configuration file holding the server list")
	flags.String(flagLogFormat, "text", "log output format (text or json)")
	flags.String(flagLogLevel, "info", "minimum log level (debug, info, warn, error)")
	flags.String(flagToolStore, "", "bolt database persisting fetched tool descriptors; empty keeps them in memory")
	flags.Bool(flagLogJSONRPC, false, "log every JSON-RPC message at debug level")
	flags.Duration(flagConnectTimeout, 20*time.Second, "timeout of a single connection attempt")
	flags.Duration(flagCallTimeout, 30*time.Second, "timeout of a tool call")
	flags.Duration(flagListTimeout, 30*time.Second, "timeout of a tools/list request")
}

func loadConfig(v *viper.Viper) error {
	v.SetConfigFile(v.GetString(flagConfig))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", v.GetString(flagConfig), err)
	}
	return nil
}

func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(flagLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", flagLogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch format := v.GetString(flagLogFormat); format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --%s %q", flagLogFormat, format)
	}
}
