package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/paymaster.yaml"
	rootCmd = &cobra.Command{
		Use:   "gasless-relay",
		Short: "Gasless relay CLI",
		Long: `CLI to run and interact with the gasless transaction relay.

Such as "gasless-relay paymaster" to run the sponsorship service or
"gasless-relay resolve" to derive smart account addresses.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "./config/paymaster.yaml", "Path to config file")
}
