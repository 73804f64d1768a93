package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/deposit-settlement/internal/errors"
)

// ReceiptReader fetches transaction receipts. A transaction that is not yet
// mined yields an error matching apperrors.ErrNotFound.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxResult is the settled state of a sent transaction.
type TxResult struct {
	TxHash      string `json:"txHash"`
	Status      string `json:"status"` // confirmed or failed
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// WaitMined polls for the receipt of txHash every interval until it is mined
// or ctx ends. Errors other than not-found stop the wait.
func WaitMined(ctx context.Context, client ReceiptReader, txHash common.Hash, interval time.Duration) (*TxResult, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			result := &TxResult{
				TxHash:  txHash.Hex(),
				Status:  "confirmed",
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				result.Status = "failed"
			}
			return result, nil
		case err != nil && !errors.Is(err, apperrors.ErrNotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
