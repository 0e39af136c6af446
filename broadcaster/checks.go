package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	errOrderMatchInvalid = errors.New("order match not valid")
	// errReadUnavailable marks node reads that failed without saying anything about the item
	errReadUnavailable = errors.New("node read unavailable")
)

// readFailure turns a failed read into an invalid item, or into an error when the read should be retried
func readFailure(item BundleItem, err error) (*InvalidBundleItem, error) {
	if errors.Is(err, errReadUnavailable) || isTransientReadError(err) {
		return nil, err
	}
	return &InvalidBundleItem{Item: item, Code: InvalidItemUnknownError, Message: err.Error()}, nil
}

func isTransientReadError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// verifyOrders asks the exchange whether the match is valid and returns its current execution price
func (e *ExchangeEncoder) verifyOrders(ctx context.Context, item BundleItem) (*big.Int, error) {
	method := exchangeMethods[item.BundleType()].verify

	var args []interface{}
	switch item := item.(type) {
	case *MatchOrdersItem:
		hashes := item.OrderHashes()
		args = []interface{}{hashes[0], hashes[1], item.Sell, item.Buy, item.Constructed.Nfts}
	case *MatchOrdersOneToOneItem:
		hashes := item.OrderHashes()
		args = []interface{}{hashes[0], hashes[1], item.Sell, item.Buy}
	case *MatchOrdersOneToManyItem:
		args = []interface{}{hashOr(item.OrderHash, &item.Order), item.Order, item.ManyOrders}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownBundleType, item)
	}

	out, err := e.call(ctx, e.exchange, ExchangeABI, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, errUnexpectedOutput
	}
	isValid, ok := out[0].(bool)
	if !ok {
		return nil, errUnexpectedOutput
	}
	price, ok := out[1].(*big.Int)
	if !ok {
		return nil, errUnexpectedOutput
	}
	if !isValid {
		return nil, errOrderMatchInvalid
	}
	return price, nil
}

// checkSeller makes sure every seller approved the exchange and owns the tokens being moved
func (e *ExchangeEncoder) checkSeller(ctx context.Context, item BundleItem) (*InvalidBundleItem, error) {
	for _, move := range item.Transfers() {
		approved, err := e.isApprovedForAll(ctx, move.Collection, move.From)
		if err != nil {
			return readFailure(item, err)
		}
		if !approved {
			return &InvalidBundleItem{
				Item:    item,
				Code:    InvalidItemNotApprovedToTransferToken,
				Message: fmt.Sprintf("Operator %s is not approved on contract %s", e.exchange.Hex(), move.Collection.Hex()),
			}, nil
		}

		owner, err := e.ownerOf(ctx, move.Collection, move.TokenID)
		if err != nil {
			return readFailure(item, err)
		}
		if owner != move.From {
			return &InvalidBundleItem{
				Item: item,
				Code: InvalidItemInsufficientTokenBalance,
				Message: fmt.Sprintf("Signer %s does not own at least %s tokens of token %s from collection %s",
					move.From.Hex(), bigString(move.Amount), bigString(move.TokenID), move.Collection.Hex()),
			}, nil
		}
	}
	return nil, nil
}

type currencyRequirement struct {
	owner    common.Address
	currency common.Address
	amount   *big.Int
}

// buyerRequirements aggregates what every buyer needs per currency. The buffered price is
// required in the purchase currency and in the refund currency, the refund currency also
// has to cover the estimated gas refund
func (e *ExchangeEncoder) buyerRequirements(item BundleItem, price, maxFeePerGas *big.Int) ([]currencyRequirement, error) {
	spends, err := item.CurrencySpends(price)
	if err != nil {
		return nil, err
	}

	var gasShare *big.Int
	if maxFeePerGas != nil && e.refundCurrency != (common.Address{}) && len(spends) > 0 {
		gasCost := new(big.Int).Mul(new(big.Int).SetUint64(EstimatedGasPerItem), maxFeePerGas)
		n := big.NewInt(int64(len(spends)))
		gasShare = gasCost.Add(gasCost, new(big.Int).Sub(n, big1))
		gasShare.Div(gasShare, n)
	}

	var reqs []currencyRequirement
	add := func(owner, currency common.Address, amount *big.Int) {
		for i := range reqs {
			if reqs[i].owner == owner && reqs[i].currency == currency {
				reqs[i].amount = new(big.Int).Add(reqs[i].amount, amount)
				return
			}
		}
		reqs = append(reqs, currencyRequirement{owner: owner, currency: currency, amount: new(big.Int).Set(amount)})
	}
	for _, spend := range spends {
		buffered := mulPercent(bigOrZero(spend.Amount), CurrencyBufferPercent)
		add(spend.Owner, spend.Currency, buffered)
		if e.refundCurrency != (common.Address{}) && e.refundCurrency != spend.Currency {
			add(spend.Owner, e.refundCurrency, buffered)
		}
		if gasShare != nil {
			add(spend.Owner, e.refundCurrency, gasShare)
		}
	}
	return reqs, nil
}

// checkBuyer makes sure every buyer approved the exchange for and holds enough of every currency spent
func (e *ExchangeEncoder) checkBuyer(ctx context.Context, item BundleItem, price, maxFeePerGas *big.Int) (*InvalidBundleItem, error) {
	reqs, err := e.buyerRequirements(item, price, maxFeePerGas)
	if err != nil {
		return &InvalidBundleItem{Item: item, Code: InvalidItemUnknownError, Message: err.Error()}, nil
	}
	for _, req := range reqs {
		allowance, err := e.allowance(ctx, req.currency, req.owner)
		if err != nil {
			return readFailure(item, err)
		}
		if allowance.Cmp(req.amount) < 0 {
			return &InvalidBundleItem{
				Item: item,
				Code: InvalidItemInsufficientCurrencyAllowance,
				Message: fmt.Sprintf("Buyer: %s has an insufficient currency allowance for currency %s. Allowance: %s. Expected: %s",
					req.owner.Hex(), req.currency.Hex(), allowance, req.amount),
			}, nil
		}

		balance, err := e.balanceOf(ctx, req.currency, req.owner)
		if err != nil {
			return readFailure(item, err)
		}
		if balance.Cmp(req.amount) < 0 {
			return &InvalidBundleItem{
				Item: item,
				Code: InvalidItemInsufficientCurrencyBalance,
				Message: fmt.Sprintf("Buyer: %s has an insufficient currency balance for currency %s. Balance: %s. Expected: %s",
					req.owner.Hex(), req.currency.Hex(), balance, req.amount),
			}, nil
		}
	}
	return nil, nil
}

func (e *ExchangeEncoder) isApprovedForAll(ctx context.Context, collection, owner common.Address) (bool, error) {
	key := lowerHex(collection) + ":" + lowerHex(owner)
	return e.approvals.Do(ctx, key, func(ctx context.Context) (bool, error) {
		out, err := e.call(ctx, collection, ERC721ABI, "isApprovedForAll", owner, e.exchange)
		if err != nil {
			return false, err
		}
		approved, ok := single[bool](out)
		if !ok {
			return false, errUnexpectedOutput
		}
		return approved, nil
	})
}

func (e *ExchangeEncoder) ownerOf(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	key := lowerHex(collection) + ":" + bigString(tokenID)
	return e.owners.Do(ctx, key, func(ctx context.Context) (common.Address, error) {
		out, err := e.call(ctx, collection, ERC721ABI, "ownerOf", bigOrZero(tokenID))
		if err != nil {
			return common.Address{}, err
		}
		owner, ok := single[common.Address](out)
		if !ok {
			return common.Address{}, errUnexpectedOutput
		}
		return owner, nil
	})
}

func (e *ExchangeEncoder) allowance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	key := "allowance:" + lowerHex(currency) + ":" + lowerHex(owner)
	return e.amounts.Do(ctx, key, func(ctx context.Context) (*big.Int, error) {
		out, err := e.call(ctx, currency, ERC20ABI, "allowance", owner, e.exchange)
		if err != nil {
			return nil, err
		}
		amount, ok := single[*big.Int](out)
		if !ok {
			return nil, errUnexpectedOutput
		}
		return amount, nil
	})
}

func (e *ExchangeEncoder) balanceOf(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	key := "balance:" + lowerHex(currency) + ":" + lowerHex(owner)
	return e.amounts.Do(ctx, key, func(ctx context.Context) (*big.Int, error) {
		out, err := e.call(ctx, currency, ERC20ABI, "balanceOf", owner)
		if err != nil {
			return nil, err
		}
		amount, ok := single[*big.Int](out)
		if !ok {
			return nil, errUnexpectedOutput
		}
		return amount, nil
	})
}

// call performs a rate limited read-only contract call and unpacks its outputs
func (e *ExchangeEncoder) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s call to %s: %v", errReadUnavailable, method, to.Hex(), err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if isTransientReadError(err) {
			return nil, fmt.Errorf("%w: %s call to %s: %w", errReadUnavailable, method, to.Hex(), err)
		}
		return nil, fmt.Errorf("%s call to %s failed: %w", method, to.Hex(), err)
	}
	return contract.Unpack(method, out)
}

func single[T any](out []interface{}) (T, bool) {
	var empty T
	if len(out) != 1 {
		return empty, false
	}
	v, ok := out[0].(T)
	return v, ok
}
