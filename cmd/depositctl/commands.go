package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/deposit-settlement/internal/adapter"
	"github.com/deposit-settlement/internal/app"
	"github.com/deposit-settlement/internal/config"
	"github.com/deposit-settlement/internal/deposit"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/types"
)

// withApp loads configuration, builds the application and runs fn under a
// signal-aware context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfigFile(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tokenFlag(cmd *cobra.Command) (types.TokenType, error) {
	raw, _ := cmd.Flags().GetString("token")
	return types.ParseTokenType(raw)
}

func runScan(cmd *cobra.Command, _ []string) error {
	token, err := tokenFlag(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetUint64("from")
	to, _ := cmd.Flags().GetUint64("to")
	explicit := cmd.Flags().Changed("from") || cmd.Flags().Changed("to")
	if explicit && !(cmd.Flags().Changed("from") && cmd.Flags().Changed("to")) {
		return fmt.Errorf("--from and --to must be given together")
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if explicit {
			result, err := a.Scanner.IndexRange(ctx, token, from, to)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		}
		cached, err := a.Scanner.ScanNewTransfers(ctx, token)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"token": token, "cached": cached})
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		stats, err := a.Scanner.CacheStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
}

func runTransfer(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		t, err := a.Scanner.GetTransfer(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(t)
	})
}

func runDeposits(cmd *cobra.Command, _ []string) error {
	txHash, _ := cmd.Flags().GetString("tx")
	userID, _ := cmd.Flags().GetInt64("user")
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if txHash != "" {
			d, err := a.Ledger.Deposit(ctx, txHash)
			if err != nil {
				return err
			}
			return printJSON(d)
		}
		summary, err := a.Ledger.UserDeposits(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

func runAddUser(cmd *cobra.Command, _ []string) error {
	wallet, _ := cmd.Flags().GetString("wallet")
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		user, err := a.Ledger.RegisterUser(ctx, wallet)
		if err != nil {
			return err
		}
		return printJSON(user)
	})
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		result, err := a.Worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func runProcess(cmd *cobra.Command, _ []string) error {
	txHash, _ := cmd.Flags().GetString("tx")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	rawAmount, _ := cmd.Flags().GetString("amount")
	block, _ := cmd.Flags().GetUint64("block")

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", rawAmount, err)
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if to == "" {
			to = a.Config.Chain.SystemWallet
		}
		result, err := a.Pipeline.Process(ctx, deposit.IncomingTransfer{
			TxHash:      txHash,
			From:        from,
			To:          to,
			Amount:      amount,
			BlockNumber: block,
		})
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err
	})
}

func runVerify(cmd *cobra.Command, _ []string) error {
	token, err := tokenFlag(cmd)
	if err != nil {
		return err
	}
	wallet, _ := cmd.Flags().GetString("wallet")
	rawMin, _ := cmd.Flags().GetString("min")
	minAmount, err := decimal.NewFromString(rawMin)
	if err != nil {
		return fmt.Errorf("invalid min %q: %w", rawMin, err)
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		result, err := a.Scanner.VerifyDepositFromCache(ctx, wallet, minAmount, token)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func runProviders(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("set")
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if name != "" {
			if err := a.Chain.SetActiveProvider(ctx, name); err != nil {
				return err
			}
		}
		return printJSON(a.Chain.Status(ctx))
	})
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		linked, err := a.Scanner.ReconcileUsers(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"linked": linked})
	})
}

func runSetPaused(cmd *cobra.Command, paused bool) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Settings.SetDepositsPaused(ctx, paused); err != nil {
			return err
		}
		return printJSON(map[string]bool{"depositsPaused": paused})
	})
}

func runSend(cmd *cobra.Command, _ []string) error {
	token, err := tokenFlag(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	if !common.IsHexAddress(to) {
		return fmt.Errorf("invalid recipient %q", to)
	}
	rawAmount, _ := cmd.Flags().GetString("amount")
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", rawAmount, err)
	}
	wait, _ := cmd.Flags().GetBool("wait")
	poll, _ := cmd.Flags().GetDuration("poll")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if a.Signer == nil {
			return fmt.Errorf("no signer configured, set SIGNER_PRIVATE_KEY")
		}
		contract := a.Config.Chain.Contract(string(token))
		if !common.IsHexAddress(contract) {
			return fmt.Errorf("no contract configured for %s", token)
		}
		hash, err := a.Signer.SendToken(ctx, common.HexToAddress(contract), common.HexToAddress(to),
			types.ToBaseUnits(amount, a.Config.Chain.TokenDecimals))
		if err != nil {
			return err
		}
		if !wait {
			return printJSON(map[string]string{"txHash": hash.Hex()})
		}

		result, err := adapter.WaitMined(ctx, a.Chain, hash, poll)
		if err != nil {
			return fmt.Errorf("sent %s, waiting for receipt: %w", hash.Hex(), err)
		}
		if perr := printJSON(result); perr != nil {
			return perr
		}
		if result.Status != "confirmed" {
			return fmt.Errorf("transaction %s reverted", hash.Hex())
		}
		return nil
	})
}
