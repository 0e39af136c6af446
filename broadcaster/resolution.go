package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var defaultResolutionPollInterval = time.Second

// Resolution is the outcome of a submitted bundle.
// Receipts are aligned with the submitted transactions and set only when the bundle was included.
type Resolution struct {
	Included bool
	Reason   FailedReason
	Receipts []*types.Receipt
}

// InclusionWaiter resolves a submitted bundle once its target block has passed
type InclusionWaiter struct {
	client       ChainClient
	PollInterval time.Duration
	MaxWait      time.Duration
}

func NewInclusionWaiter(client ChainClient) *InclusionWaiter {
	return &InclusionWaiter{
		client:       client,
		PollInterval: defaultResolutionPollInterval,
		MaxWait:      ExecutionWindowDuration,
	}
}

// Wait blocks until the chain reaches targetBlock and resolves the bundle as included when
// every transaction has a receipt. Otherwise the bundle failed: when the signer nonce at the
// target block moved past the first bundle nonce the account nonce was too high.
func (w *InclusionWaiter) Wait(ctx context.Context, txs []*BundleTransaction, signer common.Address, targetBlock uint64) (*Resolution, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	ctx, cancel := context.WithTimeout(ctx, w.MaxWait)
	defer cancel()

	if err := w.waitForBlock(ctx, targetBlock); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrResolutionTimeout
		}
		return nil, err
	}

	receipts := make([]*types.Receipt, 0, len(txs))
	for _, tx := range txs {
		receipt, err := w.receipt(ctx, tx.Tx.Hash())
		if err != nil {
			return nil, err
		}
		if receipt == nil {
			break
		}
		receipts = append(receipts, receipt)
	}
	if len(receipts) == len(txs) {
		return &Resolution{Included: true, Receipts: receipts}, nil
	}

	var nonce uint64
	err := backoff.Retry(func() error {
		var err error
		nonce, err = w.client.NonceAt(ctx, signer, new(big.Int).SetUint64(targetBlock))
		return err
	}, w.backoff(ctx))
	if err != nil {
		return nil, err
	}
	if nonce > txs[0].Tx.Nonce() {
		return &Resolution{Reason: FailedReasonAccountNonceTooHigh}, nil
	}
	return &Resolution{Reason: FailedReasonBlockPassedWithoutInclusion}, nil
}

func (w *InclusionWaiter) waitForBlock(ctx context.Context, targetBlock uint64) error {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		blockNumber, err := w.client.BlockNumber(ctx)
		if err == nil && blockNumber >= targetBlock {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// receipt returns nil when the transaction was not mined
func (w *InclusionWaiter) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		var err error
		receipt, err = w.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return err
	}, w.backoff(ctx))
	return receipt, err
}

func (w *InclusionWaiter) backoff(ctx context.Context) backoff.BackOff {
	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second
	return backoff.WithContext(back, ctx)
}
