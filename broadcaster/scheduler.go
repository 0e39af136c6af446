package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/nft-match-broadcaster/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var defaultBlockPollInterval = 100 * time.Millisecond

type BroadcasterOpts struct {
	ChainID           uint64
	Settings          ExecutionSettings
	AuthSignerAddress common.Address
	// BlockPollInterval is the interval new blocks are polled with
	BlockPollInterval time.Duration
}

// Broadcaster runs one execution cycle per new block of a chain.
// A block arriving while a cycle is running is skipped.
type Broadcaster struct {
	log      *zap.Logger
	chainID  uint64
	settings ExecutionSettings

	client     ChainClient
	pool       *BundlePool
	relay      Relay
	signer     *TxSigner
	authSigner common.Address
	waiter     *InclusionWaiter
	events     *Events

	pollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	busy    atomic.Bool
	lastRun uint64
}

func NewBroadcaster(log *zap.Logger, client ChainClient, pool *BundlePool, relay Relay, signer *TxSigner, events *Events, opts BroadcasterOpts) *Broadcaster {
	pollInterval := opts.BlockPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultBlockPollInterval
	}
	return &Broadcaster{
		log:          log.Named("broadcaster").With(zap.Uint64("chain", opts.ChainID)),
		chainID:      opts.ChainID,
		settings:     opts.Settings,
		client:       client,
		pool:         pool,
		relay:        relay,
		signer:       signer,
		authSigner:   opts.AuthSignerAddress,
		waiter:       NewInclusionWaiter(client),
		events:       events,
		pollInterval: pollInterval,
	}
}

func (b *Broadcaster) ChainID() uint64 {
	return b.chainID
}

func (b *Broadcaster) Pool() *BundlePool {
	return b.pool
}

// Signer is the address the bundle transactions are signed with
func (b *Broadcaster) Signer() common.Address {
	return b.signer.Address()
}

func (b *Broadcaster) Events() *Events {
	return b.events
}

func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Start begins monitoring new blocks, it is a no-op when already running
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.monitorBlocks(ctx)
	}()

	b.log.Info("Broadcaster started", zap.String("signer", b.signer.Address().Hex()))
	b.events.lifecycle.Send(b.lifecycleEvent(LifecycleStarted))
}

// Stop stops monitoring blocks and waits for the running cycle, it is a no-op when not running
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.cancel == nil {
		b.mu.Unlock()
		return
	}
	b.events.lifecycle.Send(b.lifecycleEvent(LifecycleStopping))
	b.cancel()
	b.cancel = nil
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("Broadcaster stopped")
	b.events.lifecycle.Send(b.lifecycleEvent(LifecycleStopped))
}

func (b *Broadcaster) lifecycleEvent(kind LifecycleKind) LifecycleEvent {
	return LifecycleEvent{
		Kind:              kind,
		ChainID:           b.chainID,
		Settings:          b.settings,
		SignerAddress:     b.signer.Address(),
		AuthSignerAddress: b.authSigner,
	}
}

func (b *Broadcaster) monitorBlocks(ctx context.Context) {
	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var blockNumber uint64
			err := backoff.Retry(func() error {
				var err error
				blockNumber, err = b.client.BlockNumber(ctx)
				return err
			}, backoff.WithContext(back, ctx))
			if err != nil {
				if ctx.Err() == nil {
					b.log.Error("Failed to get block number", zap.Error(err))
				}
				continue
			}
			if blockNumber <= b.lastRun {
				continue
			}
			b.lastRun = blockNumber
			b.onBlock(ctx, blockNumber)
		}
	}
}

func (b *Broadcaster) onBlock(ctx context.Context, blockNumber uint64) {
	if !b.busy.CompareAndSwap(false, true) {
		metrics.IncBlocksSkipped()
		b.log.Debug("Cycle in progress, skipping block", zap.Uint64("block", blockNumber))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.busy.Store(false)
		if err := b.ProcessBlock(ctx, blockNumber); err != nil && ctx.Err() == nil {
			b.log.Error("Execution cycle failed", zap.Uint64("block", blockNumber), zap.Error(err))
		}
	}()
}

// ProcessBlock runs one execution cycle on top of the block
func (b *Broadcaster) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordCycleDuration(time.Since(startAt).Milliseconds())
	}()
	logger := b.log.With(zap.Uint64("block", blockNumber))

	var (
		header   *types.Header
		gasPrice *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = b.client.HeaderByNumber(gctx, new(big.Int).SetUint64(blockNumber))
		return err
	})
	g.Go(func() error {
		var err error
		gasPrice, err = b.client.SuggestGasPrice(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to fetch block %d: %w", blockNumber, err)
	}
	metrics.IncBlocksProcessed()

	window := NewExecutionWindow(header, gasPrice, b.settings)
	sizes := b.pool.Sizes()
	for bundleType, size := range sizes {
		metrics.SetPoolSize(string(bundleType), size)
	}
	b.events.block.Send(BlockEvent{
		ChainID:     b.chainID,
		BlockNumber: blockNumber,
		GasPrice:    gasPrice,
		PoolSizes:   sizes,
	})

	res, admitted := b.pool.GetTransactions(ctx, GetTransactionsOptions{
		FeeCeilingGwei: window.FeeCeilingGwei,
		Signer:         b.signer.Address(),
		MaxFeePerGas:   window.MaxFeePerGas,
		MinBundleSize:  b.settings.MinBundleSize,
	})
	// completed items stay in-flight until they are removed from the pool
	var matched []BundleItem
	defer func() {
		b.pool.Release(excludeItems(admitted, matched))
	}()

	if len(res.InvalidItems) > 0 {
		for _, invalid := range res.InvalidItems {
			metrics.IncInvalidItems(string(invalid.Code))
			logger.Debug("Invalid bundle item", zap.String("id", invalid.Item.Base().ID), zap.String("code", string(invalid.Code)), zap.String("message", invalid.Message))
		}
		b.events.invalidItems.Send(InvalidItemsEvent{ChainID: b.chainID, Items: res.InvalidItems})
	}
	if len(res.TxRequests) == 0 {
		logger.Debug("No transactions to submit", zap.Int("admitted", len(admitted)))
		return nil
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.signer.Address())
	if err != nil {
		return fmt.Errorf("failed to get signer nonce: %w", err)
	}

	simulated, err := b.simulate(ctx, res.TxRequests, nonce, window)
	if err != nil {
		return err
	}

	requests := res.TxRequests
	if b.settings.FilterSimulationReverts {
		requests = make([]TxRequest, 0, len(simulated.Successful))
		for _, tx := range simulated.Successful {
			requests = append(requests, tx.Request)
		}
	}
	if len(requests) == 0 {
		logger.Info("Every bundle transaction reverted in simulation", zap.Int("reverted", len(simulated.Reverted)))
		return nil
	}

	// nonces must stay sequential once reverted transactions are dropped
	txs, err := b.signer.Sign(requests, nonce, window)
	if err != nil {
		return fmt.Errorf("failed to sign bundle: %w", err)
	}
	if err := b.submit(ctx, txs, window); err != nil {
		return err
	}
	logger.Info("Bundle submitted", zap.Uint64("targetBlock", window.TargetBlockNumber), zap.Int("txs", len(txs)))

	resolution, err := b.waiter.Wait(ctx, txs, b.signer.Address(), window.TargetBlockNumber)
	if err != nil {
		return fmt.Errorf("failed to resolve bundle: %w", err)
	}

	result := BundleResultEvent{
		ChainID:     b.chainID,
		BlockNumber: window.TargetBlockNumber,
		Signer:      b.signer.Address(),
		Success:     resolution.Included,
		Reason:      resolution.Reason,
	}
	if resolution.Included {
		var logs []*types.Log
		for i, tx := range txs {
			receipt := resolution.Receipts[i]
			result.Transactions = append(result.Transactions, IncludedTransaction{
				BundleTransaction: tx,
				Receipt:           receipt,
				Successful:        receipt.Status == types.ReceiptStatusSuccessful,
			})
			result.TotalGasUsed += receipt.GasUsed
			logs = append(logs, receipt.Logs...)
		}
		result.DecodedLogs = DecodeLogs(logs)
		result.MatchedItems = matchedItems(txs, result.OrdersFulfilled)
		// items completed by an executed transfer stay in-flight as well
		matched = completedItems(b.pool, result)

		metrics.IncBundlesIncluded()
		metrics.AddItemsMatched(len(matched))
		logger.Info("Bundle included", zap.Uint64("gasUsed", result.TotalGasUsed), zap.Int("matched", len(matched)))
	} else {
		metrics.IncBundlesNotIncluded(string(resolution.Reason))
		logger.Info("Bundle not included", zap.String("reason", string(resolution.Reason)))
	}
	b.events.bundleResult.Send(result)
	return nil
}

// simulate signs the requests and simulates them on top of the latest state
func (b *Broadcaster) simulate(ctx context.Context, requests []TxRequest, nonce uint64, window *ExecutionWindow) (*SimulatedEvent, error) {
	txs, err := b.signer.Sign(requests, nonce, window)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}
	sim, err := b.relay.SimulateBundle(ctx, &CallBundleArgs{
		Txs:              rawTransactions(txs),
		BlockNumber:      hexutil.Uint64(window.BlockNumber + 1),
		StateBlockNumber: "latest",
	})
	if err != nil {
		b.relayError(CallBundleEndpointName, err)
		return nil, err
	}

	results := make(map[common.Hash]CallBundleTxResult, len(sim.Results))
	for _, r := range sim.Results {
		results[r.TxHash] = r
	}
	event := SimulatedEvent{
		ChainID:      b.chainID,
		GasPrice:     sim.GasPrice(),
		TotalGasUsed: sim.TotalGasUsed,
	}
	for i, tx := range txs {
		r, ok := results[tx.Tx.Hash()]
		if !ok && i < len(sim.Results) {
			r = sim.Results[i]
		}
		simulated := SimulatedTransaction{BundleTransaction: tx, GasUsed: r.GasUsed, Error: r.Error}
		if r.Reverted() {
			simulated.RevertReason = normalizeRevert(r)
			event.Reverted = append(event.Reverted, simulated)
		} else {
			event.Successful = append(event.Successful, simulated)
		}
	}
	metrics.AddSimulationReverts(len(event.Reverted))
	b.events.simulated.Send(event)
	return &event, nil
}

func (b *Broadcaster) submit(ctx context.Context, txs []*BundleTransaction, window *ExecutionWindow) error {
	b.events.submitting.Send(SubmittingBundleEvent{
		ChainID:      b.chainID,
		BlockNumber:  window.TargetBlockNumber,
		MinTimestamp: window.MinTimestamp,
		MaxTimestamp: window.MaxTimestamp,
		Transactions: txs,
	})

	revertingTxHashes := []common.Hash{}
	if b.settings.AllowReverts {
		for _, tx := range txs {
			revertingTxHashes = append(revertingTxHashes, tx.Tx.Hash())
		}
	}
	_, err := b.relay.SendBundle(ctx, &SendBundleArgs{
		Txs:               rawTransactions(txs),
		BlockNumber:       hexutil.Uint64(window.TargetBlockNumber),
		MinTimestamp:      window.MinTimestamp,
		MaxTimestamp:      window.MaxTimestamp,
		RevertingTxHashes: revertingTxHashes,
	})
	if err != nil {
		b.relayError(SendBundleEndpointName, err)
		return err
	}
	metrics.IncBundlesSubmitted()
	return nil
}

func (b *Broadcaster) relayError(method string, err error) {
	metrics.IncRelayErrors(method)
	event := RelayErrorEvent{ChainID: b.chainID, Method: method, Message: err.Error()}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		event.Code = relayErr.Code
		event.Message = relayErr.Message
	}
	b.log.Error("Relay error", zap.String("method", method), zap.Int("code", event.Code), zap.String("message", event.Message))
	b.events.relayError.Send(event)
}

func normalizeRevert(r CallBundleTxResult) RevertReason {
	text := strings.ToLower(r.Revert + " " + r.Error)
	for _, pattern := range revertReasonPatterns {
		if strings.Contains(text, pattern.substring) {
			return pattern.reason
		}
	}
	return RevertReasonUnknown
}

func rawTransactions(txs []*BundleTransaction) []hexutil.Bytes {
	res := make([]hexutil.Bytes, 0, len(txs))
	for _, tx := range txs {
		res = append(res, tx.Raw)
	}
	return res
}

// matchedItems returns the submitted items with a fulfilled buy order, each once
func matchedItems(txs []*BundleTransaction, fulfilled []MatchOrderFulfilledEvent) []BundleItem {
	buyHashes := make(map[common.Hash]struct{}, len(fulfilled))
	for _, event := range fulfilled {
		buyHashes[event.BuyOrderHash] = struct{}{}
	}
	seen := make(map[string]struct{})
	var res []BundleItem
	for _, tx := range txs {
		for _, item := range tx.Request.Items {
			id := item.Base().ID
			if _, ok := seen[id]; ok {
				continue
			}
			for _, hash := range item.BuyOrderHashes() {
				if _, ok := buyHashes[hash]; ok {
					seen[id] = struct{}{}
					res = append(res, item)
					break
				}
			}
		}
	}
	return res
}

func excludeItems(items, exclude []BundleItem) []BundleItem {
	if len(exclude) == 0 {
		return items
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, item := range exclude {
		skip[item.Base().ID] = struct{}{}
	}
	res := make([]BundleItem, 0, len(items))
	for _, item := range items {
		if _, ok := skip[item.Base().ID]; !ok {
			res = append(res, item)
		}
	}
	return res
}
