package broadcaster

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

type LifecycleKind string

const (
	LifecycleStarted  LifecycleKind = "started"
	LifecycleStopping LifecycleKind = "stopping"
	LifecycleStopped  LifecycleKind = "stopped"
)

type LifecycleEvent struct {
	Kind              LifecycleKind
	ChainID           uint64
	Settings          ExecutionSettings
	SignerAddress     common.Address
	AuthSignerAddress common.Address
}

type BlockEvent struct {
	ChainID     uint64
	BlockNumber uint64
	// GasPrice is the node suggested gas price at the block
	GasPrice  *big.Int
	PoolSizes map[BundleType]int
}

// BundleTransaction is a signed exchange call together with the items it executes
type BundleTransaction struct {
	Request TxRequest
	Tx      *types.Transaction
	Raw     []byte
}

type SimulatedTransaction struct {
	*BundleTransaction
	GasUsed      uint64
	Error        string
	RevertReason RevertReason
}

type SimulatedEvent struct {
	ChainID      uint64
	Successful   []SimulatedTransaction
	Reverted     []SimulatedTransaction
	GasPrice     *big.Int
	TotalGasUsed uint64
}

type SubmittingBundleEvent struct {
	ChainID      uint64
	BlockNumber  uint64
	MinTimestamp uint64
	MaxTimestamp uint64
	Transactions []*BundleTransaction
}

type IncludedTransaction struct {
	*BundleTransaction
	Receipt    *types.Receipt
	Successful bool
}

// BundleResultEvent reports the resolution of a submitted bundle.
// Reason is set only when the bundle was not included.
type BundleResultEvent struct {
	ChainID     uint64
	BlockNumber uint64
	Signer      common.Address
	Success     bool
	Reason      FailedReason

	Transactions []IncludedTransaction
	TotalGasUsed uint64
	DecodedLogs
	// MatchedItems are the submitted items with a fulfilled buy order, each once
	MatchedItems []BundleItem
}

type RelayErrorEvent struct {
	ChainID uint64
	Method  string
	Code    int
	Message string
}

type InvalidItemsEvent struct {
	ChainID uint64
	Items   []InvalidBundleItem
}

// Events is the publish/subscribe bus of a broadcaster, one feed per category.
// Sends block until every subscriber received the event, subscribers should use buffered channels.
type Events struct {
	scope event.SubscriptionScope

	lifecycle    event.FeedOf[LifecycleEvent]
	block        event.FeedOf[BlockEvent]
	simulated    event.FeedOf[SimulatedEvent]
	submitting   event.FeedOf[SubmittingBundleEvent]
	bundleResult event.FeedOf[BundleResultEvent]
	relayError   event.FeedOf[RelayErrorEvent]
	invalidItems event.FeedOf[InvalidItemsEvent]
}

func NewEvents() *Events {
	return &Events{}
}

func (e *Events) SubscribeLifecycle(ch chan<- LifecycleEvent) event.Subscription {
	return e.scope.Track(e.lifecycle.Subscribe(ch))
}

func (e *Events) SubscribeBlock(ch chan<- BlockEvent) event.Subscription {
	return e.scope.Track(e.block.Subscribe(ch))
}

func (e *Events) SubscribeSimulated(ch chan<- SimulatedEvent) event.Subscription {
	return e.scope.Track(e.simulated.Subscribe(ch))
}

func (e *Events) SubscribeSubmitting(ch chan<- SubmittingBundleEvent) event.Subscription {
	return e.scope.Track(e.submitting.Subscribe(ch))
}

func (e *Events) SubscribeBundleResult(ch chan<- BundleResultEvent) event.Subscription {
	return e.scope.Track(e.bundleResult.Subscribe(ch))
}

func (e *Events) SubscribeRelayError(ch chan<- RelayErrorEvent) event.Subscription {
	return e.scope.Track(e.relayError.Subscribe(ch))
}

func (e *Events) SubscribeInvalidItems(ch chan<- InvalidItemsEvent) event.Subscription {
	return e.scope.Track(e.invalidItems.Subscribe(ch))
}

// Close unsubscribes every subscriber
func (e *Events) Close() {
	e.scope.Close()
}
