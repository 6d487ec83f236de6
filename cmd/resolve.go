package cmd

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/gaslessbase/gasless-relay/core/chainio/aa"
)

var (
	resolveSalt    int64
	resolveFactory string

	resolveCmd = &cobra.Command{
		Use:   "resolve [owner-address]",
		Short: "Derive a smart account address",
		Long: `Derive the counterfactual smart account address for an owner key.

The derivation is pure CREATE2 math against the configured factory, so it
works before the account is deployed and needs no RPC endpoint.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner := args[0]
			if !common.IsHexAddress(owner) {
				fmt.Fprintf(os.Stderr, "invalid owner address: %s\n", owner)
				os.Exit(1)
			}

			if resolveFactory != "" {
				if !common.IsHexAddress(resolveFactory) {
					fmt.Fprintf(os.Stderr, "invalid factory address: %s\n", resolveFactory)
					os.Exit(1)
				}
				aa.SetFactoryAddress(common.HexToAddress(resolveFactory))
			}

			sender, err := aa.GetSenderAddress(common.HexToAddress(owner), big.NewInt(resolveSalt))
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to derive smart account address: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("owner:         %s\n", common.HexToAddress(owner).Hex())
			fmt.Printf("factory:       %s\n", aa.FactoryAddress().Hex())
			fmt.Printf("salt:          %d\n", resolveSalt)
			fmt.Printf("smart account: %s\n", sender.Hex())
		},
	}
)

func init() {
	resolveCmd.Flags().Int64Var(&resolveSalt, "salt", 0, "account salt")
	resolveCmd.Flags().StringVar(&resolveFactory, "factory", "", "override the account factory address")
	rootCmd.AddCommand(resolveCmd)
}
