package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gaslessbase/gasless-relay/paymaster"
)

var (
	runPaymasterCmd = &cobra.Command{
		Use:   "paymaster",
		Short: "Run paymaster",
		Long: `Initialize and run the paymaster sponsorship service.

Use --config=path-to-your-config-file. default is=./config/paymaster.yaml `,
		Run: func(cmd *cobra.Command, args []string) {
			paymaster.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runPaymasterCmd)
}
