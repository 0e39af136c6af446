package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/nft-match-broadcaster/coalesce"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	defaultVerifyConcurrency = 16
	defaultReadCacheTTL      = 3 * time.Second
	readTimeout              = 5 * time.Second
)

var errUnexpectedOutput = errors.New("unexpected contract call output")

type ExchangeEncoderOpts struct {
	Exchange common.Address
	// RefundCurrency is the currency buyers refund the gas with, WETH on mainnet
	RefundCurrency common.Address
	// CallsPerSecond limits read calls to the node, 0 means unlimited
	CallsPerSecond    float64
	VerifyConcurrency int
	ReadCacheTTL      time.Duration
}

// ExchangeEncoder verifies bundle items against the exchange contract and encodes them
// into gas-bounded exchange calls
type ExchangeEncoder struct {
	log            *zap.Logger
	client         ChainClient
	exchange       common.Address
	refundCurrency common.Address
	limiter        *rate.Limiter
	concurrency    int

	approvals *coalesce.Group[bool]
	owners    *coalesce.Group[common.Address]
	amounts   *coalesce.Group[*big.Int]
}

func NewExchangeEncoder(log *zap.Logger, client ChainClient, opts ExchangeEncoderOpts) *ExchangeEncoder {
	limit := rate.Inf
	if opts.CallsPerSecond > 0 {
		limit = rate.Limit(opts.CallsPerSecond)
	}
	concurrency := opts.VerifyConcurrency
	if concurrency <= 0 {
		concurrency = defaultVerifyConcurrency
	}
	ttl := opts.ReadCacheTTL
	if ttl <= 0 {
		ttl = defaultReadCacheTTL
	}
	return &ExchangeEncoder{
		log:            log.Named("encoder"),
		client:         client,
		exchange:       opts.Exchange,
		refundCurrency: opts.RefundCurrency,
		limiter:        rate.NewLimiter(limit, concurrency),
		concurrency:    concurrency,
		approvals:      coalesce.NewGroup[bool](ttl),
		owners:         coalesce.NewGroup[common.Address](ttl),
		amounts:        coalesce.NewGroup[*big.Int](ttl),
	}
}

// Encode verifies the items and builds the exchange calls executing the valid ones.
// Item failures are reported as invalid items and never fail the call.
func (e *ExchangeEncoder) Encode(ctx context.Context, bundleType BundleType, items []BundleItem, opts EncodeOptions) (*EncodeResult, error) {
	if _, ok := exchangeMethods[bundleType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBundleType, bundleType)
	}
	logger := e.log.With(zap.String("bundleType", string(bundleType)))

	valid, invalid := e.verifyItems(ctx, items, opts)
	logger.Debug("Verified bundle items", zap.Int("received", len(items)), zap.Int("valid", len(valid)), zap.Int("invalid", len(invalid)))

	result := &EncodeResult{InvalidItems: invalid}
	if len(valid) == 0 {
		return result, nil
	}
	minBundleSize := opts.MinBundleSize
	if minBundleSize <= 0 {
		minBundleSize = DefaultMinBundleSize
	}
	if len(valid) < minBundleSize {
		logger.Debug("Not enough valid items for a bundle", zap.Int("valid", len(valid)), zap.Int("minBundleSize", minBundleSize))
		return result, nil
	}

	txs, tooBig := e.buildBundles(ctx, logger, bundleType, valid, opts.Signer)
	result.TxRequests = txs
	result.InvalidItems = append(result.InvalidItems, tooBig...)

	encoded := make(map[string]struct{})
	for _, tx := range txs {
		for _, item := range tx.Items {
			encoded[item.Base().ID] = struct{}{}
		}
	}
	for _, item := range valid {
		if _, ok := encoded[item.Base().ID]; ok {
			result.ValidItems = append(result.ValidItems, item)
		}
	}
	return result, nil
}

// verifyItems runs the verification pipeline of every item concurrently, the input order is kept
func (e *ExchangeEncoder) verifyItems(ctx context.Context, items []BundleItem, opts EncodeOptions) ([]*BundleItemWithCurrentPrice, []InvalidBundleItem) {
	verified := make([]*BundleItemWithCurrentPrice, len(items))
	rejected := make([]*InvalidBundleItem, len(items))

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			valid, invalid := e.verifyItem(ctx, item, opts)
			verified[i], rejected[i] = valid, invalid
			return nil
		})
	}
	_ = g.Wait()

	var valid []*BundleItemWithCurrentPrice
	var invalid []InvalidBundleItem
	for i := range items {
		switch {
		case rejected[i] != nil:
			invalid = append(invalid, *rejected[i])
		case verified[i] != nil:
			valid = append(valid, verified[i])
		}
	}
	return valid, invalid
}

func (e *ExchangeEncoder) verifyItem(ctx context.Context, item BundleItem, opts EncodeOptions) (*BundleItemWithCurrentPrice, *InvalidBundleItem) {
	if exchange := item.Base().ExchangeAddress; exchange != (common.Address{}) && exchange != e.exchange {
		return nil, &InvalidBundleItem{Item: item, Code: InvalidItemUnknownError, Message: fmt.Sprintf("unsupported exchange %s", exchange.Hex())}
	}

	var invalid *InvalidBundleItem
	price, err := e.verifyOrders(ctx, item)
	switch {
	case errors.Is(err, errOrderMatchInvalid):
		return nil, &InvalidBundleItem{Item: item, Code: InvalidItemOrderInvalid, Message: "Order match not valid for one or more orders"}
	case err != nil:
		invalid, err = readFailure(item, err)
	default:
		invalid, err = e.checkSeller(ctx, item)
		if invalid == nil && err == nil {
			invalid, err = e.checkBuyer(ctx, item, price, opts.MaxFeePerGas)
		}
	}
	if err != nil {
		// the item stays pooled and is checked again on the next block
		e.log.Debug("Skipping bundle item, node read failed", zap.String("id", item.Base().ID), zap.Error(err))
		return nil, nil
	}
	if invalid != nil {
		return nil, invalid
	}
	return &BundleItemWithCurrentPrice{BundleItem: item, CurrentPrice: price}, nil
}

// buildBundles groups the items into exchange calls until every call fits MaxGasLimit.
// Single-item calls that still exceed the limit are returned as invalid items.
func (e *ExchangeEncoder) buildBundles(ctx context.Context, logger *zap.Logger, bundleType BundleType, items []*BundleItemWithCurrentPrice, from common.Address) ([]TxRequest, []InvalidBundleItem) {
	numBundles := 1
	var txs []TxRequest
	for attempt := 0; attempt < MaxSplitAttempts; attempt++ {
		txs = e.encodeGroups(ctx, logger, bundleType, roundRobin(items, numBundles), from)

		var totalGas uint64
		tooBig := false
		for _, tx := range txs {
			totalGas += tx.Gas
			if tx.Gas > MaxGasLimit {
				tooBig = true
			}
		}
		if !tooBig || numBundles >= len(items) {
			break
		}

		next := numBundles * 2
		if estimated := int((totalGas + MaxGasLimit - 1) / MaxGasLimit); estimated > next {
			next = estimated
		}
		if next > len(items) {
			next = len(items)
		}
		logger.Debug("Splitting bundle to fit gas limit", zap.Int("numBundles", numBundles), zap.Int("next", next), zap.Uint64("totalGas", totalGas))
		numBundles = next
	}

	fitting := txs[:0:0]
	var invalid []InvalidBundleItem
	for _, tx := range txs {
		if tx.Gas <= MaxGasLimit {
			fitting = append(fitting, tx)
			continue
		}
		if len(tx.Items) == 1 {
			invalid = append(invalid, InvalidBundleItem{
				Item:    tx.Items[0],
				Code:    InvalidItemUnknownError,
				Message: fmt.Sprintf("%s: %d > %d", ErrGasLimitExceeded, tx.Gas, MaxGasLimit),
			})
			continue
		}
		logger.Warn("Dropping bundle over gas limit", zap.Int("items", len(tx.Items)), zap.Uint64("gas", tx.Gas))
	}
	return fitting, invalid
}

// encodeGroups encodes and estimates every group, groups failing estimation are dropped
func (e *ExchangeEncoder) encodeGroups(ctx context.Context, logger *zap.Logger, bundleType BundleType, groups [][]*BundleItemWithCurrentPrice, from common.Address) []TxRequest {
	method := exchangeMethods[bundleType].match
	txs := make([]*TxRequest, len(groups))

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			data, err := packMatchCall(bundleType, group)
			if err != nil {
				logger.Error("Failed to encode exchange call", zap.String("method", method), zap.Error(err))
				return nil
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return nil
			}
			estimate, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &e.exchange, Data: data})
			if err != nil {
				logger.Warn("Failed to estimate gas, dropping sub-bundle", zap.String("method", method), zap.Int("items", len(group)), zap.Error(err))
				return nil
			}
			items := make([]BundleItem, 0, len(group))
			for _, item := range group {
				items = append(items, item.BundleItem)
			}
			txs[i] = &TxRequest{
				BundleType: bundleType,
				To:         e.exchange,
				Data:       data,
				Gas:        estimate * GasLimitBufferPercent / 100,
				Items:      items,
			}
			return nil
		})
	}
	_ = g.Wait()

	res := make([]TxRequest, 0, len(txs))
	for _, tx := range txs {
		if tx != nil {
			res = append(res, *tx)
		}
	}
	return res
}

// roundRobin distributes the items over numBundles groups by index, empty groups are omitted
func roundRobin[T any](items []T, numBundles int) [][]T {
	if numBundles < 1 {
		numBundles = 1
	}
	groups := make([][]T, numBundles)
	for i, item := range items {
		groups[i%numBundles] = append(groups[i%numBundles], item)
	}
	res := groups[:0]
	for _, group := range groups {
		if len(group) > 0 {
			res = append(res, group)
		}
	}
	return res
}

// packMatchCall transforms the items into the arguments of the exchange method
func packMatchCall(bundleType BundleType, items []*BundleItemWithCurrentPrice) ([]byte, error) {
	method := exchangeMethods[bundleType].match
	switch bundleType {
	case BundleTypeMatchOrders:
		sells := make([]MakerOrder, 0, len(items))
		buys := make([]MakerOrder, 0, len(items))
		constructs := make([][]OrderItem, 0, len(items))
		for _, item := range items {
			match, ok := item.BundleItem.(*MatchOrdersItem)
			if !ok {
				return nil, fmt.Errorf("%w: %T in %s bundle", ErrUnknownBundleType, item.BundleItem, bundleType)
			}
			sells = append(sells, match.Sell)
			buys = append(buys, match.Buy)
			constructs = append(constructs, match.Constructed.Nfts)
		}
		return ExchangeABI.Pack(method, sells, buys, constructs)
	case BundleTypeMatchOrdersOneToOne:
		sells := make([]MakerOrder, 0, len(items))
		buys := make([]MakerOrder, 0, len(items))
		for _, item := range items {
			match, ok := item.BundleItem.(*MatchOrdersOneToOneItem)
			if !ok {
				return nil, fmt.Errorf("%w: %T in %s bundle", ErrUnknownBundleType, item.BundleItem, bundleType)
			}
			sells = append(sells, match.Sell)
			buys = append(buys, match.Buy)
		}
		return ExchangeABI.Pack(method, sells, buys)
	case BundleTypeMatchOrdersOneToMany:
		orders := make([]MakerOrder, 0, len(items))
		many := make([][]MakerOrder, 0, len(items))
		for _, item := range items {
			match, ok := item.BundleItem.(*MatchOrdersOneToManyItem)
			if !ok {
				return nil, fmt.Errorf("%w: %T in %s bundle", ErrUnknownBundleType, item.BundleItem, bundleType)
			}
			orders = append(orders, match.Order)
			many = append(many, match.ManyOrders)
		}
		return ExchangeABI.Pack(method, orders, many)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBundleType, bundleType)
	}
}
