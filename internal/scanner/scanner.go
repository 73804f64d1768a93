// Package scanner keeps a local cache of ERC-20 Transfer logs that touch the
// system wallet and answers deposit checks from that cache.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/metrics"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

const (
	DefaultMaxBlocksPerScan uint64 = 5000
	DefaultChunkSize        uint64 = 2000

	SourceCache = "cache"
	SourceScan  = "scan"
)

// ChainReader is the subset of the failover client the scanner needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// TransferStore persists cached transfers.
type TransferStore interface {
	Insert(ctx context.Context, t *models.CachedTransfer) (bool, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.CachedTransfer, error)
	Stats(ctx context.Context) ([]*models.TransferStats, error)
	SumIncomingFrom(ctx context.Context, wallet string, token types.TokenType) (decimal.Decimal, int, error)
	ListIncomingFrom(ctx context.Context, wallet string, token types.TokenType) ([]*models.CachedTransfer, error)
	ListWithoutUser(ctx context.Context, limit int) ([]*models.CachedTransfer, error)
	SetUser(ctx context.Context, id, userID int64) error
}

// IndexStore tracks scan progress and skipped ranges per token.
type IndexStore interface {
	GetLastIndexed(ctx context.Context, token types.TokenType) (uint64, bool, error)
	AdvanceLastIndexed(ctx context.Context, token types.TokenType, block uint64) error
	RecordGap(ctx context.Context, gap *models.ScanGap) error
	ListOpenGaps(ctx context.Context, token types.TokenType, limit int) ([]*models.ScanGap, error)
	ResolveGap(ctx context.Context, id int64) error
	FailGap(ctx context.Context, id int64, reason string) error
}

// UserLookup resolves a wallet address to a registered user.
type UserLookup interface {
	GetByWallet(ctx context.Context, wallet string) (*models.User, error)
}

// Archiver mirrors newly cached transfers to an analytical store.
type Archiver interface {
	Archive(ctx context.Context, transfers []*models.CachedTransfer) error
}

// Config holds scanner settings
type Config struct {
	SystemWallet     common.Address
	Contracts        map[types.TokenType]common.Address
	Decimals         int32
	MaxBlocksPerScan uint64
	ChunkSize        uint64

	Chain     ChainReader
	Transfers TransferStore
	Index     IndexStore
	Users     UserLookup
	Archive   Archiver // optional
	Logger    *logging.Logger
}

// CachedDeposits summarizes the cached incoming transfers from one wallet.
type CachedDeposits struct {
	TotalAmount decimal.Decimal          `json:"totalAmount"`
	TxCount     int                      `json:"txCount"`
	Transfers   []*models.CachedTransfer `json:"transfers"`
}

// VerificationResult reports whether a wallet has paid at least a minimum.
type VerificationResult struct {
	Verified    bool            `json:"verified"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	TxCount     int             `json:"txCount"`
	Source      string          `json:"source"`
}

// Scanner indexes Transfer logs for the system wallet incrementally.
type Scanner struct {
	wallet      common.Address
	walletTopic common.Hash
	contracts   map[types.TokenType]common.Address
	decimals    int32
	maxBlocks   uint64
	chunkSize   uint64

	chain     ChainReader
	transfers TransferStore
	index     IndexStore
	users     UserLookup
	archive   Archiver
	logger    *logging.Logger

	// one scan per token at a time in this process
	tokenMu map[types.TokenType]*sync.Mutex
}

// NewScanner creates a scanner
func NewScanner(cfg *Config) (*Scanner, error) {
	if cfg.Chain == nil || cfg.Transfers == nil || cfg.Index == nil {
		return nil, fmt.Errorf("scanner requires a chain reader, transfer store and index store")
	}
	if cfg.SystemWallet == (common.Address{}) {
		return nil, fmt.Errorf("scanner requires a system wallet")
	}

	s := &Scanner{
		wallet:      cfg.SystemWallet,
		walletTopic: common.BytesToHash(cfg.SystemWallet.Bytes()),
		contracts:   make(map[types.TokenType]common.Address),
		decimals:    cfg.Decimals,
		maxBlocks:   cfg.MaxBlocksPerScan,
		chunkSize:   cfg.ChunkSize,
		chain:       cfg.Chain,
		transfers:   cfg.Transfers,
		index:       cfg.Index,
		users:       cfg.Users,
		archive:     cfg.Archive,
		logger:      cfg.Logger,
		tokenMu:     make(map[types.TokenType]*sync.Mutex),
	}
	if s.decimals <= 0 {
		s.decimals = types.DefaultTokenDecimals
	}
	if s.maxBlocks == 0 {
		s.maxBlocks = DefaultMaxBlocksPerScan
	}
	if s.chunkSize == 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	s.logger = s.logger.WithComponent("scanner")

	for token, addr := range cfg.Contracts {
		if addr == (common.Address{}) {
			continue
		}
		s.contracts[token] = addr
		s.tokenMu[token] = &sync.Mutex{}
	}
	if len(s.contracts) == 0 {
		return nil, fmt.Errorf("scanner requires at least one token contract")
	}
	return s, nil
}

// Tokens returns the configured tokens in scan order.
func (s *Scanner) Tokens() []types.TokenType {
	tokens := make([]types.TokenType, 0, len(s.contracts))
	for _, t := range types.AllTokens {
		if _, ok := s.contracts[t]; ok {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func (s *Scanner) contract(token types.TokenType) (common.Address, error) {
	addr, ok := s.contracts[token]
	if !ok {
		return common.Address{}, apperrors.NewInvalidInputError("token", fmt.Sprintf("token %q is not configured", token))
	}
	return addr, nil
}

// ScanNewTransfers indexes the next window of blocks for token and returns
// the number of newly cached transfers. Chunks whose log queries fail are
// recorded as gaps and do not hold back the index.
func (s *Scanner) ScanNewTransfers(ctx context.Context, token types.TokenType) (int, error) {
	contract, err := s.contract(token)
	if err != nil {
		return 0, err
	}
	mu := s.tokenMu[token]
	mu.Lock()
	defer mu.Unlock()

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head block: %w", err)
	}
	last, indexed, err := s.index.GetLastIndexed(ctx, token)
	if err != nil {
		return 0, err
	}

	window, ok := scanWindow(head, last, indexed, s.maxBlocks)
	if !ok {
		s.logger.WithFields(map[string]interface{}{
			"token":       token,
			"head":        head,
			"lastIndexed": last,
		}).Debug("Index is up to date")
		return 0, nil
	}

	chunks, err := SplitRange(window.From, window.To, s.chunkSize)
	if err != nil {
		return 0, err
	}

	log := s.logger.WithFields(map[string]interface{}{
		"token": token,
		"from":  window.From,
		"to":    window.To,
	})
	log.Debug("Scanning transfers")

	total, _, err := s.scanChunks(ctx, token, contract, chunks, log)
	if err != nil {
		return total, err
	}

	if err := s.index.AdvanceLastIndexed(ctx, token, window.To); err != nil {
		return total, err
	}
	metrics.ScanBlocksTotal.WithLabelValues(string(token)).Add(float64(window.Len()))
	metrics.LastIndexedBlock.WithLabelValues(string(token)).Set(float64(window.To))

	if total > 0 {
		log.WithField("cached", total).Info("Cached new transfers")
	}
	return total, nil
}

// scanChunks caches each chunk in turn. A chunk whose log queries fail is
// recorded as a gap; only a failure to record the gap is returned.
func (s *Scanner) scanChunks(ctx context.Context, token types.TokenType, contract common.Address, chunks []BlockRange, log *logging.Logger) (int, int, error) {
	total, gaps := 0, 0
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return total, gaps, err
		}

		n, err := s.scanChunk(ctx, token, contract, chunk)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, gaps, ctxErr
			}
			log.WithFields(map[string]interface{}{
				"chunkFrom": chunk.From,
				"chunkTo":   chunk.To,
			}).WithError(err).Warn("Chunk failed, recording gap")

			gap := &models.ScanGap{
				TokenType: token,
				FromBlock: chunk.From,
				ToBlock:   chunk.To,
				Reason:    err.Error(),
			}
			if gapErr := s.index.RecordGap(ctx, gap); gapErr != nil {
				// without the gap row the chunk would be lost for good
				return total, gaps, fmt.Errorf("failed to record gap %d-%d: %w", chunk.From, chunk.To, gapErr)
			}
			metrics.ChunksSkippedTotal.WithLabelValues(string(token)).Inc()
			gaps++
			continue
		}
		total += n
	}
	return total, gaps, nil
}

// RangeResult reports an explicit range scan.
type RangeResult struct {
	Token  types.TokenType `json:"token"`
	From   uint64          `json:"from"`
	To     uint64          `json:"to"`
	Cached int             `json:"cached"`
	Gaps   int             `json:"gaps"`
}

// IndexRange caches transfers of token in [from, to] without moving the
// incremental index. The range is clamped to the current head.
func (s *Scanner) IndexRange(ctx context.Context, token types.TokenType, from, to uint64) (*RangeResult, error) {
	contract, err := s.contract(token)
	if err != nil {
		return nil, err
	}
	if to < from {
		return nil, apperrors.NewInvalidInputError("to", fmt.Sprintf("to block %d is before from block %d", to, from))
	}

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get head block: %w", err)
	}
	if from > head {
		return nil, apperrors.NewInvalidInputError("from", fmt.Sprintf("from block %d is beyond head %d", from, head))
	}
	if to > head {
		to = head
	}

	chunks, err := SplitRange(from, to, s.chunkSize)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(map[string]interface{}{
		"token": token,
		"from":  from,
		"to":    to,
	})
	log.Info("Indexing block range")

	cached, gaps, err := s.scanChunks(ctx, token, contract, chunks, log)
	result := &RangeResult{Token: token, From: from, To: to, Cached: cached, Gaps: gaps}
	if err != nil {
		return result, err
	}
	metrics.ScanBlocksTotal.WithLabelValues(string(token)).Add(float64(to - from + 1))
	log.WithFields(map[string]interface{}{
		"cached": cached,
		"gaps":   gaps,
	}).Info("Range indexed")
	return result, nil
}

// scanChunk fetches incoming and outgoing logs for one chunk and caches them.
func (s *Scanner) scanChunk(ctx context.Context, token types.TokenType, contract common.Address, r BlockRange) (int, error) {
	from, to := new(big.Int).SetUint64(r.From), new(big.Int).SetUint64(r.To)

	incoming, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{types.TransferEventSignature}, nil, {s.walletTopic}},
	})
	if err != nil {
		return 0, fmt.Errorf("incoming logs: %w", err)
	}
	outgoing, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{types.TransferEventSignature}, {s.walletTopic}},
	})
	if err != nil {
		return 0, fmt.Errorf("outgoing logs: %w", err)
	}

	// one row per tx hash; later logs in the same tx are dropped
	seen := make(map[common.Hash]struct{}, len(incoming)+len(outgoing))
	var fresh []*models.CachedTransfer
	for _, lg := range append(incoming, outgoing...) {
		if lg.Removed {
			continue
		}
		if _, dup := seen[lg.TxHash]; dup {
			continue
		}
		seen[lg.TxHash] = struct{}{}

		t, ok := s.decode(token, contract, lg)
		if !ok {
			s.logger.WithFields(map[string]interface{}{
				"token":  token,
				"txHash": lg.TxHash.Hex(),
				"topics": len(lg.Topics),
				"data":   len(lg.Data),
			}).Warn("Skipping malformed transfer log")
			continue
		}
		s.resolveUser(ctx, t)

		inserted, err := s.transfers.Insert(ctx, t)
		if err != nil {
			return 0, err
		}
		if inserted {
			fresh = append(fresh, t)
			metrics.TransfersCachedTotal.WithLabelValues(string(token), string(t.Direction)).Inc()
		}
	}

	if s.archive != nil && len(fresh) > 0 {
		if err := s.archive.Archive(ctx, fresh); err != nil {
			s.logger.WithError(err).WithField("count", len(fresh)).Warn("Failed to mirror transfers to archive")
		}
	}
	return len(fresh), nil
}

// decode turns a Transfer log into a cached row. ok is false for malformed
// logs and for logs that do not touch the system wallet.
func (s *Scanner) decode(token types.TokenType, contract common.Address, lg ethtypes.Log) (*models.CachedTransfer, bool) {
	if len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return nil, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	direction, ok := types.Direction(s.wallet, from, to)
	if !ok {
		return nil, false
	}
	raw := new(big.Int).SetBytes(lg.Data[:32])

	return &models.CachedTransfer{
		TxHash:       strings.ToLower(lg.TxHash.Hex()),
		BlockNumber:  lg.BlockNumber,
		LogIndex:     lg.Index,
		FromAddress:  strings.ToLower(from.Hex()),
		ToAddress:    strings.ToLower(to.Hex()),
		TokenType:    token,
		TokenAddress: strings.ToLower(contract.Hex()),
		Amount:       types.FromBaseUnits(raw, s.decimals),
		AmountRaw:    raw.String(),
		Direction:    direction,
	}, true
}

// resolveUser attaches the counterparty's user id when one exists.
func (s *Scanner) resolveUser(ctx context.Context, t *models.CachedTransfer) {
	if s.users == nil || t.Direction == types.DirectionInternal {
		return
	}
	user, err := s.users.GetByWallet(ctx, t.Counterparty())
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WithError(err).WithField("txHash", t.TxHash).Debug("User lookup failed")
		}
		return
	}
	id := user.ID
	t.UserID = &id
}

// MonitorAllTokens scans every configured token concurrently. A failing token
// does not stop the others; errors are joined.
func (s *Scanner) MonitorAllTokens(ctx context.Context) (map[types.TokenType]int, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		counts = make(map[types.TokenType]int)
		errs   []error
	)
	for _, token := range s.Tokens() {
		g.Go(func() error {
			n, err := s.ScanNewTransfers(ctx, token)
			mu.Lock()
			defer mu.Unlock()
			counts[token] = n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", token, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return counts, errors.Join(errs...)
}

// GetCachedDeposits returns the cached incoming transfers from wallet.
func (s *Scanner) GetCachedDeposits(ctx context.Context, wallet string, token types.TokenType) (*CachedDeposits, error) {
	if _, err := s.contract(token); err != nil {
		return nil, err
	}
	addr, err := types.NormalizeAddress(wallet)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError("wallet", wallet)
	}

	transfers, err := s.transfers.ListIncomingFrom(ctx, addr, token)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	return &CachedDeposits{TotalAmount: total, TxCount: len(transfers), Transfers: transfers}, nil
}

// VerifyDepositFromCache checks whether wallet has sent at least minAmount of
// token. The cache is consulted first; when it falls short the index is
// brought up to the current head before the cache is summed again.
func (s *Scanner) VerifyDepositFromCache(ctx context.Context, wallet string, minAmount decimal.Decimal, token types.TokenType) (*VerificationResult, error) {
	if _, err := s.contract(token); err != nil {
		return nil, err
	}
	addr, err := types.NormalizeAddress(wallet)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError("wallet", wallet)
	}
	if minAmount.IsNegative() {
		return nil, apperrors.NewInvalidInputError("minAmount", "must not be negative")
	}

	total, count, err := s.transfers.SumIncomingFrom(ctx, addr, token)
	if err != nil {
		return nil, err
	}
	if total.GreaterThanOrEqual(minAmount) {
		return &VerificationResult{Verified: true, TotalAmount: total, TxCount: count, Source: SourceCache}, nil
	}

	scanErr := s.catchUp(ctx, token)
	if scanErr != nil {
		s.logger.WithError(scanErr).WithField("token", token).Warn("Scan during verification failed")
	}

	total, count, err = s.transfers.SumIncomingFrom(ctx, addr, token)
	if err != nil {
		return nil, err
	}
	result := &VerificationResult{
		Verified:    total.GreaterThanOrEqual(minAmount),
		TotalAmount: total,
		TxCount:     count,
		Source:      SourceScan,
	}
	if !result.Verified && scanErr != nil {
		return result, scanErr
	}
	return result, nil
}

// catchUp scans token window by window until the index reaches the head
// observed on entry. It stops early when a scan fails or the index stops
// moving, e.g. behind a lagging provider.
func (s *Scanner) catchUp(ctx context.Context, token types.TokenType) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head block: %w", err)
	}
	for {
		last, indexed, err := s.index.GetLastIndexed(ctx, token)
		if err != nil {
			return err
		}
		if indexed && last >= head {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.ScanNewTransfers(ctx, token); err != nil {
			return err
		}

		after, nowIndexed, err := s.index.GetLastIndexed(ctx, token)
		if err != nil {
			return err
		}
		if !nowIndexed || (indexed && after <= last) {
			return nil
		}
	}
}

// GetTransfer returns the cached transfer for txHash.
func (s *Scanner) GetTransfer(ctx context.Context, txHash string) (*models.CachedTransfer, error) {
	hash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("txHash", err.Error())
	}
	return s.transfers.GetByTxHash(ctx, hash)
}

// TokenStats summarizes the cache for one token.
type TokenStats struct {
	Token       types.TokenType         `json:"token"`
	LastIndexed *uint64                 `json:"lastIndexedBlock,omitempty"`
	Incoming    models.DirectionSummary `json:"incoming"`
	Outgoing    models.DirectionSummary `json:"outgoing"`
	Internal    models.DirectionSummary `json:"internal"`
}

// CacheStats reports per-token transfer counts and totals by direction
// together with each token's index position.
func (s *Scanner) CacheStats(ctx context.Context) ([]TokenStats, error) {
	rows, err := s.transfers.Stats(ctx)
	if err != nil {
		return nil, err
	}
	byToken := make(map[types.TokenType]*TokenStats)
	tokens := s.Tokens()
	out := make([]TokenStats, len(tokens))
	for i, token := range tokens {
		out[i] = TokenStats{Token: token}
		byToken[token] = &out[i]

		last, indexed, err := s.index.GetLastIndexed(ctx, token)
		if err != nil {
			return nil, err
		}
		if indexed {
			block := last
			out[i].LastIndexed = &block
		}
	}

	for _, row := range rows {
		ts, ok := byToken[row.TokenType]
		if !ok {
			continue
		}
		summary := models.DirectionSummary{Count: row.Count, Total: row.Total}
		switch row.Direction {
		case types.DirectionIncoming:
			ts.Incoming = summary
		case types.DirectionOutgoing:
			ts.Outgoing = summary
		case types.DirectionInternal:
			ts.Internal = summary
		}
	}
	return out, nil
}

// ReconcileUsers back-fills user ids for cached rows whose counterparty has
// registered since the row was cached.
func (s *Scanner) ReconcileUsers(ctx context.Context, limit int) (int, error) {
	if s.users == nil {
		return 0, nil
	}
	rows, err := s.transfers.ListWithoutUser(ctx, limit)
	if err != nil {
		return 0, err
	}

	linked := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return linked, err
		}
		user, err := s.users.GetByWallet(ctx, row.Counterparty())
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return linked, err
		}
		if err := s.transfers.SetUser(ctx, row.ID, user.ID); err != nil {
			return linked, err
		}
		linked++
	}
	if linked > 0 {
		s.logger.WithField("linked", linked).Info("Reconciled cached transfers with users")
	}
	return linked, nil
}

// RescanGaps retries unresolved gaps for token and returns how many were
// resolved.
func (s *Scanner) RescanGaps(ctx context.Context, token types.TokenType, limit int) (int, error) {
	contract, err := s.contract(token)
	if err != nil {
		return 0, err
	}
	gaps, err := s.index.ListOpenGaps(ctx, token, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		log := s.logger.WithFields(map[string]interface{}{
			"token":    token,
			"from":     gap.FromBlock,
			"to":       gap.ToBlock,
			"attempts": gap.Attempts,
		})

		n, err := s.scanChunk(ctx, token, contract, BlockRange{From: gap.FromBlock, To: gap.ToBlock})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resolved, ctxErr
			}
			log.WithError(err).Warn("Gap rescan failed")
			if err := s.index.FailGap(ctx, gap.ID, err.Error()); err != nil {
				return resolved, err
			}
			continue
		}
		if err := s.index.ResolveGap(ctx, gap.ID); err != nil {
			return resolved, err
		}
		resolved++
		log.WithField("cached", n).Info("Gap resolved")
	}
	return resolved, nil
}
