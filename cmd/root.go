package cmd

import (
	"github.com/spf13/cobra"

	relay "github.com/bjoelf/trade-relay/adapter"
)

// Execute runs the relay command line
func Execute() error {
	return newRootCmd().Execute()
}

type globalOptions struct {
	configFile string
	envFiles   []string
}

func (o *globalOptions) loadOptions() relay.LoadOptions {
	return relay.LoadOptions{ConfigFile: o.configFile, EnvFiles: o.envFiles}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Trade relay: executes swaps pushed by the trading server",
		Long:          "relay keeps an authenticated websocket channel to the trading server open, executes the Uniswap trades it receives on the configured accounts and reports the results back.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional config file (yaml, toml, json or env)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files read beneath the environment (default .env if present)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newAccountsCmd(opts),
		newRunCmd(opts),
	)

	return rootCmd
}
