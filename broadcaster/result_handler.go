package broadcaster

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	defaultNonceAlertThreshold uint64 = 3
	storeWriteTimeout                 = 10 * time.Second
)

// MatchedState is the outcome of an order match executed on-chain
type MatchedState struct {
	TxHash          common.Hash
	Currency        common.Address
	Amount          *big.Int
	OrdersFulfilled []MatchOrderFulfilledEvent
}

// ErrorState is the outcome of an order match that can not be executed
type ErrorState struct {
	Code    InvalidItemCode
	Message string
}

type OrderMatchStore interface {
	MarkMatched(ctx context.Context, id string, state MatchedState) error
	MarkError(ctx context.Context, id string, state ErrorState) error
}

// NonceFailureCounter counts consecutive AccountNonceTooHigh results of a signer
type NonceFailureCounter interface {
	IncNonceFailures(ctx context.Context, chainID uint64, signer common.Address) (uint64, error)
	ResetNonceFailures(ctx context.Context, chainID uint64, signer common.Address) error
}

type Alert struct {
	Title   string
	Code    string
	Reason  string
	ChainID uint64
	Footer  string
}

type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

type ResultHandlerOpts struct {
	// Alerter and NonceFailures are optional
	Alerter             Alerter
	NonceFailures       NonceFailureCounter
	NonceAlertThreshold uint64
}

// ResultHandler applies the outcome of every cycle to the order-match store and the pool
type ResultHandler struct {
	log           *zap.Logger
	store         OrderMatchStore
	alerter       Alerter
	nonceFailures NonceFailureCounter
	threshold     uint64
}

func NewResultHandler(log *zap.Logger, store OrderMatchStore, opts ResultHandlerOpts) *ResultHandler {
	threshold := opts.NonceAlertThreshold
	if threshold == 0 {
		threshold = defaultNonceAlertThreshold
	}
	return &ResultHandler{
		log:           log.Named("results"),
		store:         store,
		alerter:       opts.Alerter,
		nonceFailures: opts.NonceFailures,
		threshold:     threshold,
	}
}

// Run handles the events of the broadcaster until ctx is done or the events are closed
func (h *ResultHandler) Run(ctx context.Context, b *Broadcaster) {
	results := make(chan BundleResultEvent, 16)
	invalid := make(chan InvalidItemsEvent, 16)
	relayErrors := make(chan RelayErrorEvent, 16)

	events := b.Events()
	resultsSub := events.SubscribeBundleResult(results)
	defer resultsSub.Unsubscribe()
	invalidSub := events.SubscribeInvalidItems(invalid)
	defer invalidSub.Unsubscribe()
	relayErrorsSub := events.SubscribeRelayError(relayErrors)
	defer relayErrorsSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resultsSub.Err():
			return
		case <-invalidSub.Err():
			return
		case <-relayErrorsSub.Err():
			return
		case event := <-results:
			h.HandleBundleResult(ctx, b.Pool(), event)
		case event := <-invalid:
			h.HandleInvalidItems(ctx, b.Pool(), event)
		case event := <-relayErrors:
			h.HandleRelayError(ctx, event)
		}
	}
}

func (h *ResultHandler) HandleBundleResult(ctx context.Context, pool *BundlePool, event BundleResultEvent) {
	logger := h.log.With(zap.Uint64("chain", event.ChainID), zap.Uint64("block", event.BlockNumber))
	if !event.Success {
		logger.Warn("Bundle not included", zap.String("reason", string(event.Reason)))
		if event.Reason == FailedReasonAccountNonceTooHigh {
			h.nonceTooHigh(ctx, event)
		}
		return
	}

	if h.nonceFailures != nil {
		if err := h.nonceFailures.ResetNonceFailures(ctx, event.ChainID, event.Signer); err != nil {
			logger.Warn("Failed to reset nonce failures", zap.Error(err))
		}
	}

	fulfilledByBuyHash := make(map[common.Hash][]MatchOrderFulfilledEvent)
	for _, fulfilled := range event.OrdersFulfilled {
		fulfilledByBuyHash[fulfilled.BuyOrderHash] = append(fulfilledByBuyHash[fulfilled.BuyOrderHash], fulfilled)
	}

	for _, item := range completedItems(pool, event) {
		id := item.Base().ID
		var fulfilled []MatchOrderFulfilledEvent
		for _, hash := range item.BuyOrderHashes() {
			fulfilled = append(fulfilled, fulfilledByBuyHash[hash]...)
		}
		state := matchedState(fulfilled)
		if state.TxHash == (common.Hash{}) {
			logger.Error("No fulfilled order for matched item", zap.String("id", id))
		}

		err := h.write(ctx, func(ctx context.Context) error {
			return h.store.MarkMatched(ctx, id, state)
		})
		if err != nil {
			logger.Error("Failed to mark order match as matched", zap.String("id", id), zap.Error(err))
		}
		pool.Remove(id)
		logger.Info("Order match executed", zap.String("id", id), zap.String("txHash", state.TxHash.Hex()), zap.String("amount", state.Amount.String()))
	}
}

// completedItems are the matched items of the event plus the submitted items whose planned transfers were executed
func completedItems(pool *BundlePool, event BundleResultEvent) []BundleItem {
	submitted := make(map[string]struct{})
	for _, tx := range event.Transactions {
		for _, item := range tx.Request.Items {
			submitted[item.Base().ID] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	var res []BundleItem
	add := func(item BundleItem) {
		id := item.Base().ID
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		res = append(res, item)
	}
	for _, item := range event.MatchedItems {
		add(item)
	}
	for _, transfer := range event.NftTransfers {
		item, ok := pool.ItemByTransfer(transfer)
		if !ok {
			continue
		}
		if _, ok := submitted[item.Base().ID]; ok {
			add(item)
		}
	}
	return res
}

func matchedState(fulfilled []MatchOrderFulfilledEvent) MatchedState {
	state := MatchedState{Amount: new(big.Int), OrdersFulfilled: fulfilled}
	if len(fulfilled) > 0 {
		state.TxHash = fulfilled[0].TxHash
		state.Currency = fulfilled[0].Currency
	}
	for _, f := range fulfilled {
		state.Amount.Add(state.Amount, bigOrZero(f.Amount))
	}
	return state
}

func (h *ResultHandler) HandleInvalidItems(ctx context.Context, pool *BundlePool, event InvalidItemsEvent) {
	for _, invalid := range event.Items {
		id := invalid.Item.Base().ID
		// the item left the pool or was replaced since it was checked
		if current, ok := pool.Get(id); !ok || current != invalid.Item {
			h.log.Debug("Skipping invalid item that left the pool", zap.String("id", id), zap.String("code", string(invalid.Code)))
			continue
		}
		state := ErrorState{Code: invalid.Code, Message: invalid.Message}
		err := h.write(ctx, func(ctx context.Context) error {
			return h.store.MarkError(ctx, id, state)
		})
		if err != nil {
			h.log.Error("Failed to mark order match as errored", zap.String("id", id), zap.Error(err))
		}
		pool.Remove(id)
	}
}

func (h *ResultHandler) HandleRelayError(ctx context.Context, event RelayErrorEvent) {
	h.alert(ctx, Alert{
		Title:   "Relay Error",
		Code:    strconv.Itoa(event.Code),
		Reason:  event.Message,
		ChainID: event.ChainID,
		Footer:  "Flashbots Relay Error",
	})
}

func (h *ResultHandler) nonceTooHigh(ctx context.Context, event BundleResultEvent) {
	if h.nonceFailures == nil {
		return
	}
	count, err := h.nonceFailures.IncNonceFailures(ctx, event.ChainID, event.Signer)
	if err != nil {
		h.log.Warn("Failed to count nonce failures", zap.Error(err))
		return
	}
	if count < h.threshold {
		return
	}
	h.log.Error("Signer nonce too high repeatedly", zap.Uint64("chain", event.ChainID), zap.String("signer", event.Signer.Hex()), zap.Uint64("failures", count))
	h.alert(ctx, Alert{
		Title:   "Account Nonce Too High",
		Code:    string(FailedReasonAccountNonceTooHigh),
		Reason:  "signer " + event.Signer.Hex() + " failed " + strconv.FormatUint(count, 10) + " bundles in a row",
		ChainID: event.ChainID,
		Footer:  "Flashbots Bundle Failure",
	})
}

func (h *ResultHandler) alert(ctx context.Context, alert Alert) {
	if h.alerter == nil {
		return
	}
	if err := h.alerter.Alert(ctx, alert); err != nil {
		h.log.Error("Failed to send alert", zap.String("title", alert.Title), zap.Error(err))
	}
}

func (h *ResultHandler) write(ctx context.Context, op func(ctx context.Context) error) error {
	back := backoff.NewExponentialBackOff()
	back.MaxElapsedTime = storeWriteTimeout
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		defer cancel()
		return op(ctx)
	}, backoff.WithContext(back, ctx))
}
