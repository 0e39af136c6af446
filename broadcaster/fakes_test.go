package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errNotFound = ethereum.NotFound

// fakeChain emulates the node, the exchange contract and the token contracts
type fakeChain struct {
	mu sync.Mutex

	blockNumber  uint64
	baseFee      *big.Int
	gasPrice     *big.Int
	receipts     map[common.Hash]*types.Receipt
	noncesAt     map[uint64]uint64
	pendingNonce uint64

	price        *big.Int
	invalid      map[common.Hash]bool
	notApproved  map[string]bool
	owners       map[string]common.Address
	allowances   map[string]*big.Int
	balances     map[string]*big.Int
	gasPerItem   uint64
	estimateErr  error
	headerErr    error
	callErr      error
	contractCall int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blockNumber: 100,
		baseFee:     big.NewInt(10_000_000_000),
		gasPrice:    big.NewInt(12_000_000_000),
		receipts:    make(map[common.Hash]*types.Receipt),
		noncesAt:    make(map[uint64]uint64),
		price:       big.NewInt(1_000_000_000_000_000_000),
		invalid:     make(map[common.Hash]bool),
		notApproved: make(map[string]bool),
		owners:      make(map[string]common.Address),
		allowances:  make(map[string]*big.Int),
		balances:    make(map[string]*big.Int),
		gasPerItem:  100_000,
	}
}

// own makes the seller of every planned transfer the owner of the token
func (c *fakeChain) own(items ...BundleItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		for _, move := range item.Transfers() {
			c.owners[lowerHex(move.Collection)+":"+bigString(move.TokenID)] = move.From
		}
	}
}

func (c *fakeChain) setBlock(n uint64) {
	c.mu.Lock()
	c.blockNumber = n
	c.mu.Unlock()
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockNumber, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerErr != nil {
		return nil, c.headerErr
	}
	n := c.blockNumber
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    1_700_000_000 + n*12,
		BaseFee: c.baseFee,
	}, nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gasPrice, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, errNotFound
	}
	return receipt, nil
}

func (c *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	method, err := ExchangeABI.MethodById(msg.Data[:4])
	if err != nil {
		return 0, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return 0, err
	}
	n := reflect.ValueOf(args[0]).Len()
	return uint64(n) * c.gasPerItem, nil
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	atomic.AddInt32(&c.contractCall, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}

	for _, contract := range []abi.ABI{ExchangeABI, ERC721ABI, ERC20ABI} {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return c.respond(method, *msg.To, args)
	}
	return nil, errors.New("execution reverted")
}

func (c *fakeChain) respond(method *abi.Method, to common.Address, args []interface{}) ([]byte, error) {
	switch method.Name {
	case "verifyMatchOrders", "verifyMatchOneToOneOrders", "verifyMatchOneToManyOrders":
		hash := common.Hash(args[0].([32]byte))
		return method.Outputs.Pack(!c.invalid[hash], c.price)
	case "isApprovedForAll":
		owner := args[0].(common.Address)
		return method.Outputs.Pack(!c.notApproved[lowerHex(to)+":"+lowerHex(owner)])
	case "ownerOf":
		tokenID := args[0].(*big.Int)
		return method.Outputs.Pack(c.owners[lowerHex(to)+":"+tokenID.String()])
	case "allowance":
		return method.Outputs.Pack(c.amount(c.allowances, to, args[0].(common.Address)))
	case "balanceOf":
		return method.Outputs.Pack(c.amount(c.balances, to, args[0].(common.Address)))
	default:
		return nil, errors.New("execution reverted")
	}
}

func (c *fakeChain) amount(amounts map[string]*big.Int, currency, owner common.Address) *big.Int {
	if v, ok := amounts[lowerHex(currency)+":"+lowerHex(owner)]; ok {
		return v
	}
	// 1000 ether
	return new(big.Int).Mul(big.NewInt(1000), big.NewInt(1_000_000_000_000_000_000))
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce, nil
}

func (c *fakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blockNumber != nil {
		if nonce, ok := c.noncesAt[blockNumber.Uint64()]; ok {
			return nonce, nil
		}
	}
	return c.pendingNonce, nil
}

func ptr[T any](v T) *T {
	return &v
}

// receive waits for a value on the channel and fails the test after a second
func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("no %T received", *new(T))
		return *new(T)
	}
}

func newOneToOneItem(id string, tokenID int64) *MatchOrdersOneToOneItem {
	return newOneToOneItemBetween(id, tokenID, testSeller, testBuyer)
}

func newOneToOneItemBetween(id string, tokenID int64, seller, buyer common.Address) *MatchOrdersOneToOneItem {
	return &MatchOrdersOneToOneItem{
		BaseBundleItem: BaseBundleItem{ID: id, ChainID: 1, ExchangeAddress: testExchange},
		Sell:           testOrder(true, seller, tokenID),
		Buy:            testOrder(false, buyer, tokenID),
	}
}

func newMatchOrdersItem(id string, tokenID int64) *MatchOrdersItem {
	sell := testOrder(true, testSeller, tokenID)
	buy := testOrder(false, testBuyer, tokenID)
	return &MatchOrdersItem{
		BaseBundleItem: BaseBundleItem{ID: id, ChainID: 1, ExchangeAddress: testExchange},
		Sell:           sell,
		Buy:            buy,
		Constructed:    MakerOrder{Nfts: sell.Nfts},
	}
}
