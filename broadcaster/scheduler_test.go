package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay records bundles and resolves them on the fake chain when they are sent
type fakeRelay struct {
	mu    sync.Mutex
	t     *testing.T
	chain *fakeChain

	simulateErr error
	sendErr     error
	// reverts by index in the simulated bundle
	reverts map[int]string
	// include writes receipts for the sent bundle, fulfilled buy order hashes are logged in the first receipt
	include   bool
	fulfilled []common.Hash
	// token ids transferred from testSeller to testBuyer in the first receipt
	transferred []int64

	simulated []*CallBundleArgs
	sent      []*SendBundleArgs
}

func newFakeRelay(t *testing.T, chain *fakeChain) *fakeRelay {
	return &fakeRelay{t: t, chain: chain, reverts: make(map[int]string)}
}

func decodeRaw(t *testing.T, raw []byte) *types.Transaction {
	t.Helper()
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	return &tx
}

func (r *fakeRelay) SimulateBundle(ctx context.Context, args *CallBundleArgs) (*CallBundleResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simulated = append(r.simulated, args)
	if r.simulateErr != nil {
		return nil, r.simulateErr
	}
	res := &CallBundleResponse{CoinbaseDiff: "0"}
	for i, raw := range args.Txs {
		tx := decodeRaw(r.t, raw)
		result := CallBundleTxResult{TxHash: tx.Hash(), GasUsed: 100_000}
		if revert, ok := r.reverts[i]; ok {
			result.Error = "execution reverted"
			result.Revert = revert
		}
		res.TotalGasUsed += result.GasUsed
		res.Results = append(res.Results, result)
	}
	return res, nil
}

func (r *fakeRelay) SendBundle(ctx context.Context, args *SendBundleArgs) (*SendBundleResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, args)
	if r.sendErr != nil {
		return nil, r.sendErr
	}

	r.chain.mu.Lock()
	defer r.chain.mu.Unlock()
	if r.include {
		for i, raw := range args.Txs {
			tx := decodeRaw(r.t, raw)
			receipt := &types.Receipt{
				Status:      types.ReceiptStatusSuccessful,
				TxHash:      tx.Hash(),
				GasUsed:     90_000,
				BlockNumber: new(big.Int).SetUint64(uint64(args.BlockNumber)),
			}
			if i == 0 {
				for j, buyHash := range r.fulfilled {
					receipt.Logs = append(receipt.Logs, matchOrderFulfilledLog(r.t, common.HexToHash("0x5e11"), buyHash, 1000, int64(j+1)))
				}
				for _, tokenID := range r.transferred {
					receipt.Logs = append(receipt.Logs, &types.Log{
						Address: testCollection,
						Topics:  []common.Hash{transferTopic, addressTopic(testSeller), addressTopic(testBuyer), common.BigToHash(big.NewInt(tokenID))},
					})
				}
			}
			r.chain.receipts[tx.Hash()] = receipt
		}
	}
	r.chain.blockNumber = uint64(args.BlockNumber)
	return &SendBundleResponse{}, nil
}

func (r *fakeRelay) sentBundles() []*SendBundleArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SendBundleArgs(nil), r.sent...)
}

func newTestBroadcaster(t *testing.T, chain *fakeChain, relay Relay, settings ExecutionSettings) *Broadcaster {
	t.Helper()
	signer, _ := newTestTxSigner(t)
	pool := NewBundlePool(zap.NewNop(), newTestEncoder(chain))
	b := NewBroadcaster(zap.NewNop(), chain, pool, relay, signer, NewEvents(), BroadcasterOpts{
		ChainID:           1,
		Settings:          settings,
		BlockPollInterval: 10 * time.Millisecond,
	})
	b.waiter.PollInterval = 5 * time.Millisecond
	b.waiter.MaxWait = 2 * time.Second
	t.Cleanup(b.events.Close)
	return b
}

// oneOfEachType returns one item per bundle type, the bundle has a transaction per type in BundleTypes order
func oneOfEachType() []BundleItem {
	many := &MatchOrdersOneToManyItem{
		BaseBundleItem: BaseBundleItem{ID: "many", ChainID: 1, ExchangeAddress: testExchange},
		Order:          testOrder(true, testSeller, 3),
		ManyOrders:     []MakerOrder{testOrder(false, testBuyer, 3)},
	}
	return []BundleItem{newMatchOrdersItem("match", 1), newOneToOneItem("one", 2), many}
}

func fill(t *testing.T, b *Broadcaster, chain *fakeChain, items ...BundleItem) {
	t.Helper()
	chain.own(items...)
	for _, item := range items {
		require.NoError(t, b.pool.Add(item))
	}
}

func TestProcessBlockFiltersSimulationReverts(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	relay.reverts[1] = "ERC20: insufficient allowance"
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, oneOfEachType()...)

	simulatedCh := make(chan SimulatedEvent, 1)
	defer b.events.SubscribeSimulated(simulatedCh).Unsubscribe()
	submittingCh := make(chan SubmittingBundleEvent, 1)
	defer b.events.SubscribeSubmitting(submittingCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))

	require.Len(t, relay.simulated, 1)
	require.Len(t, relay.simulated[0].Txs, 3)
	require.Equal(t, uint64(101), uint64(relay.simulated[0].BlockNumber))
	require.Equal(t, "latest", relay.simulated[0].StateBlockNumber)

	simulated := receive(t, simulatedCh)
	require.Len(t, simulated.Successful, 2)
	require.Len(t, simulated.Reverted, 1)
	require.Equal(t, RevertReasonInsufficientAllowance, simulated.Reverted[0].RevertReason)
	require.Equal(t, BundleTypeMatchOrdersOneToOne, simulated.Reverted[0].Request.BundleType)

	sent := relay.sentBundles()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Txs, 2)
	require.Equal(t, uint64(102), uint64(sent[0].BlockNumber))
	require.Empty(t, sent[0].RevertingTxHashes)

	submitting := receive(t, submittingCh)
	require.Len(t, submitting.Transactions, 2)
	require.Equal(t, BundleTypeMatchOrders, submitting.Transactions[0].Request.BundleType)
	require.Equal(t, BundleTypeMatchOrdersOneToMany, submitting.Transactions[1].Request.BundleType)
	// re-signed with sequential nonces
	require.Equal(t, uint64(0), decodeRaw(t, sent[0].Txs[0]).Nonce())
	require.Equal(t, uint64(1), decodeRaw(t, sent[0].Txs[1]).Nonce())

	header, err := chain.HeaderByNumber(context.Background(), big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, header.Time, sent[0].MinTimestamp)
	require.Equal(t, header.Time+120, sent[0].MaxTimestamp)
}

func TestProcessBlockKeepsRevertsWhenNotFiltering(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	relay.reverts[1] = "execution reverted"
	settings := DefaultExecutionSettings()
	settings.FilterSimulationReverts = false
	settings.AllowReverts = true
	b := newTestBroadcaster(t, chain, relay, settings)
	fill(t, b, chain, oneOfEachType()...)

	require.NoError(t, b.ProcessBlock(context.Background(), 100))

	sent := relay.sentBundles()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Txs, 3)
	require.Len(t, sent[0].RevertingTxHashes, 3)
	require.Equal(t, decodeRaw(t, sent[0].Txs[2]).Hash(), sent[0].RevertingTxHashes[2])
}

func TestProcessBlockNotIncluded(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, newOneToOneItem("a", 1), newOneToOneItem("b", 2))

	blockCh := make(chan BlockEvent, 1)
	defer b.events.SubscribeBlock(blockCh).Unsubscribe()
	resultCh := make(chan BundleResultEvent, 1)
	defer b.events.SubscribeBundleResult(resultCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))

	block := receive(t, blockCh)
	require.Equal(t, uint64(100), block.BlockNumber)
	require.Equal(t, 2, block.PoolSizes[BundleTypeMatchOrdersOneToOne])
	require.Equal(t, 0, chain.gasPrice.Cmp(block.GasPrice))

	result := receive(t, resultCh)
	require.False(t, result.Success)
	require.Equal(t, FailedReasonBlockPassedWithoutInclusion, result.Reason)
	require.Empty(t, result.MatchedItems)

	// items stay pooled and are released for the next cycle
	require.Equal(t, 2, b.pool.Len())
	_, admitted := b.pool.GetTransactions(context.Background(), GetTransactionsOptions{FeeCeilingGwei: 1})
	require.Len(t, admitted, 2)
}

func TestProcessBlockAccountNonceTooHigh(t *testing.T) {
	chain := newFakeChain()
	chain.noncesAt[102] = 3
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, newOneToOneItem("a", 1))

	resultCh := make(chan BundleResultEvent, 1)
	defer b.events.SubscribeBundleResult(resultCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	result := receive(t, resultCh)
	require.False(t, result.Success)
	require.Equal(t, FailedReasonAccountNonceTooHigh, result.Reason)
	require.Equal(t, 1, b.pool.Len())
}

func TestProcessBlockIncluded(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	relay.include = true
	item := newOneToOneItem("a", 1)
	other := newOneToOneItem("b", 2)
	// fulfilled twice in the logs, reported once
	relay.fulfilled = []common.Hash{item.BuyOrderHashes()[0], item.BuyOrderHashes()[0]}

	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, item, other)

	resultCh := make(chan BundleResultEvent, 1)
	defer b.events.SubscribeBundleResult(resultCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	result := receive(t, resultCh)
	require.True(t, result.Success)
	require.Empty(t, result.Reason)
	require.Equal(t, uint64(102), result.BlockNumber)
	require.Len(t, result.Transactions, 1)
	require.True(t, result.Transactions[0].Successful)
	require.Equal(t, uint64(90_000), result.TotalGasUsed)
	require.Len(t, result.OrdersFulfilled, 2)

	require.Len(t, result.MatchedItems, 1)
	require.Equal(t, "a", result.MatchedItems[0].Base().ID)

	// the matched item stays in-flight until removed, the other one is released
	_, admitted := b.pool.GetTransactions(context.Background(), GetTransactionsOptions{FeeCeilingGwei: 1})
	require.Len(t, admitted, 1)
	require.Equal(t, "b", admitted[0].Base().ID)
}

func TestProcessBlockKeepsTransferredItemsInFlight(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	relay.include = true
	// b is executed without a fulfilled event
	relay.transferred = []int64{2}

	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, newOneToOneItem("a", 1), newOneToOneItem("b", 2))

	resultCh := make(chan BundleResultEvent, 1)
	defer b.events.SubscribeBundleResult(resultCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	result := receive(t, resultCh)
	require.True(t, result.Success)
	require.Empty(t, result.MatchedItems)
	require.Len(t, result.NftTransfers, 1)

	_, admitted := b.pool.GetTransactions(context.Background(), GetTransactionsOptions{FeeCeilingGwei: 1})
	require.Len(t, admitted, 1)
	require.Equal(t, "a", admitted[0].Base().ID)
}

func TestProcessBlockRelayErrors(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(relay *fakeRelay)
		expectedMethod string
		expectedSends  int
	}{
		{
			name: "simulation",
			setup: func(relay *fakeRelay) {
				relay.simulateErr = &RelayError{Code: -32000, Message: "insufficient funds for gas"}
			},
			expectedMethod: CallBundleEndpointName,
			expectedSends:  0,
		},
		{
			name: "submission",
			setup: func(relay *fakeRelay) {
				relay.sendErr = &RelayError{Code: -32000, Message: "insufficient funds for gas"}
			},
			expectedMethod: SendBundleEndpointName,
			expectedSends:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			relay := newFakeRelay(t, chain)
			tt.setup(relay)
			b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
			fill(t, b, chain, newOneToOneItem("a", 1))

			relayErrCh := make(chan RelayErrorEvent, 1)
			defer b.events.SubscribeRelayError(relayErrCh).Unsubscribe()

			err := b.ProcessBlock(context.Background(), 100)
			var relayErr *RelayError
			require.True(t, errors.As(err, &relayErr))

			event := receive(t, relayErrCh)
			require.Equal(t, tt.expectedMethod, event.Method)
			require.Equal(t, -32000, event.Code)
			require.Equal(t, "insufficient funds for gas", event.Message)
			require.Len(t, relay.sentBundles(), tt.expectedSends)

			// the pool is untouched
			require.Equal(t, 1, b.pool.Len())
		})
	}
}

func TestProcessBlockInvalidItems(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	item := newOneToOneItem("a", 1)
	fill(t, b, chain, item)
	chain.invalid[item.OrderHashes()[0]] = true

	invalidCh := make(chan InvalidItemsEvent, 1)
	defer b.events.SubscribeInvalidItems(invalidCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	invalid := receive(t, invalidCh)
	require.Len(t, invalid.Items, 1)
	require.Equal(t, InvalidItemOrderInvalid, invalid.Items[0].Code)
	require.Empty(t, relay.simulated)
}

func TestProcessBlockKeepsItemsOnReadTimeout(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	fill(t, b, chain, newOneToOneItem("a", 1))
	chain.callErr = context.DeadlineExceeded

	invalidCh := make(chan InvalidItemsEvent, 1)
	defer b.events.SubscribeInvalidItems(invalidCh).Unsubscribe()

	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	require.Empty(t, invalidCh)
	require.Empty(t, relay.simulated)
	require.Equal(t, 1, b.pool.Len())

	// checked again once the node answers
	chain.callErr = nil
	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	require.Len(t, relay.simulated, 1)
}

func TestProcessBlockEmptyPool(t *testing.T) {
	chain := newFakeChain()
	chain.headerErr = errors.New("header not found")
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())
	require.Error(t, b.ProcessBlock(context.Background(), 100))

	chain.headerErr = nil
	require.NoError(t, b.ProcessBlock(context.Background(), 100))
	require.Empty(t, relay.simulated)
}

func TestBroadcasterStartStop(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())

	lifecycleCh := make(chan LifecycleEvent, 8)
	defer b.events.SubscribeLifecycle(lifecycleCh).Unsubscribe()
	blockCh := make(chan BlockEvent, 8)
	defer b.events.SubscribeBlock(blockCh).Unsubscribe()

	b.Start(context.Background())
	b.Start(context.Background())
	require.True(t, b.Running())

	select {
	case block := <-blockCh:
		require.Equal(t, uint64(100), block.BlockNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("no block processed")
	}

	b.Stop()
	b.Stop()
	require.False(t, b.Running())

	require.Len(t, lifecycleCh, 3)
	started := receive(t, lifecycleCh)
	require.Equal(t, LifecycleStarted, started.Kind)
	require.Equal(t, b.signer.Address(), started.SignerAddress)
	require.Equal(t, uint64(DefaultBlocksInFuture), started.Settings.BlocksInFuture)
	require.Equal(t, LifecycleStopping, receive(t, lifecycleCh).Kind)
	require.Equal(t, LifecycleStopped, receive(t, lifecycleCh).Kind)
}

func TestBroadcasterSkipsBlockWhileBusy(t *testing.T) {
	chain := newFakeChain()
	relay := newFakeRelay(t, chain)
	b := newTestBroadcaster(t, chain, relay, DefaultExecutionSettings())

	blockCh := make(chan BlockEvent, 1)
	defer b.events.SubscribeBlock(blockCh).Unsubscribe()

	b.busy.Store(true)
	b.onBlock(context.Background(), 100)
	b.wg.Wait()
	require.Empty(t, blockCh)

	b.busy.Store(false)
	b.onBlock(context.Background(), 101)
	b.wg.Wait()
	require.Len(t, blockCh, 1)
	require.False(t, b.busy.Load())
}

func TestMatchedItems(t *testing.T) {
	a := newOneToOneItem("a", 1)
	c := newOneToOneItem("c", 3)
	txs := []*BundleTransaction{
		{Request: TxRequest{Items: []BundleItem{a, newOneToOneItem("b", 2)}}},
		{Request: TxRequest{Items: []BundleItem{c, a}}},
	}
	matched := matchedItems(txs, []MatchOrderFulfilledEvent{
		{BuyOrderHash: a.BuyOrderHashes()[0]},
		{BuyOrderHash: c.BuyOrderHashes()[0]},
		{BuyOrderHash: common.HexToHash("0x01")},
	})
	require.Len(t, matched, 2)
	require.Equal(t, "a", matched[0].Base().ID)
	require.Equal(t, "c", matched[1].Base().ID)
}

func TestNormalizeRevert(t *testing.T) {
	require.Equal(t, RevertReasonInsufficientAllowance, normalizeRevert(CallBundleTxResult{Revert: "ERC20: Insufficient Allowance"}))
	require.Equal(t, RevertReasonInsufficientAllowance, normalizeRevert(CallBundleTxResult{Error: "insufficient allowance"}))
	require.Equal(t, RevertReasonUnknown, normalizeRevert(CallBundleTxResult{Error: "execution reverted"}))
}
