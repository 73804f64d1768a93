// Package main provides depositctl, an operator CLI for one-off scans,
// manual deposit processing and provider administration.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "depositctl",
		Short:        "Deposit settlement operator tool",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Duration("timeout", 0, "overall deadline, 0 means none")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the next block window for one token, or an explicit range",
		RunE:  runScan,
	}
	scanCmd.Flags().String("token", "USDT", "token symbol (USDT, PLEX)")
	scanCmd.Flags().Uint64("from", 0, "first block of an explicit range")
	scanCmd.Flags().Uint64("to", 0, "last block of an explicit range")
	root.AddCommand(scanCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cached transfer counts and totals per token",
		RunE:  runStats,
	})

	root.AddCommand(&cobra.Command{
		Use:   "transfer <tx-hash>",
		Short: "Show the cached transfer for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransfer,
	})

	depositCmd := &cobra.Command{
		Use:   "deposits",
		Short: "Show a deposit by transaction or every deposit of a user",
		RunE:  runDeposits,
	}
	depositCmd.Flags().String("tx", "", "funding transaction hash")
	depositCmd.Flags().Int64("user", 0, "user id")
	depositCmd.MarkFlagsMutuallyExclusive("tx", "user")
	depositCmd.MarkFlagsOneRequired("tx", "user")
	root.AddCommand(depositCmd)

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}
	addUserCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a wallet as a user",
		RunE:  runAddUser,
	}
	addUserCmd.Flags().String("wallet", "", "wallet address")
	_ = addUserCmd.MarkFlagRequired("wallet")
	usersCmd.AddCommand(addUserCmd)
	root.AddCommand(usersCmd)

	root.AddCommand(&cobra.Command{
		Use:   "monitor",
		Short: "Run one full monitoring cycle",
		RunE:  runMonitor,
	})

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Push one incoming transfer through the deposit pipeline",
		RunE:  runProcess,
	}
	processCmd.Flags().String("tx", "", "transaction hash")
	processCmd.Flags().String("from", "", "sender wallet")
	processCmd.Flags().String("to", "", "recipient wallet, defaults to the system wallet")
	processCmd.Flags().String("amount", "", "amount in token units")
	processCmd.Flags().Uint64("block", 0, "block number")
	_ = processCmd.MarkFlagRequired("tx")
	_ = processCmd.MarkFlagRequired("from")
	_ = processCmd.MarkFlagRequired("amount")
	root.AddCommand(processCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check whether a wallet has paid at least a minimum",
		RunE:  runVerify,
	}
	verifyCmd.Flags().String("wallet", "", "payer wallet")
	verifyCmd.Flags().String("min", "", "minimum amount in token units")
	verifyCmd.Flags().String("token", "USDT", "token symbol (USDT, PLEX)")
	_ = verifyCmd.MarkFlagRequired("wallet")
	_ = verifyCmd.MarkFlagRequired("min")
	root.AddCommand(verifyCmd)

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Show RPC provider status or switch the active provider",
		RunE:  runProviders,
	}
	providersCmd.Flags().String("set", "", "provider to make active")
	root.AddCommand(providersCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link cached transfers to users registered since they were seen",
		RunE:  runReconcile,
	}
	reconcileCmd.Flags().Int("limit", 500, "maximum rows to examine")
	root.AddCommand(reconcileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Stop the pipeline from creating deposits",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runSetPaused(cmd, true) },
	})
	root.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Let the pipeline create deposits again",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runSetPaused(cmd, false) },
	})

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send tokens from the signer wallet",
		RunE:  runSend,
	}
	sendCmd.Flags().String("token", "USDT", "token symbol (USDT, PLEX)")
	sendCmd.Flags().String("to", "", "recipient wallet")
	sendCmd.Flags().String("amount", "", "amount in token units")
	sendCmd.Flags().Bool("wait", false, "wait for the transaction to be mined")
	sendCmd.Flags().Duration("poll", 3*time.Second, "receipt poll interval with --wait")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("amount")
	root.AddCommand(sendCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
