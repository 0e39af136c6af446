// Package broadcaster implements a block-driven bundle broadcaster for matched NFT orders.
// Here is a full flow of data through one chain instance:
//
// order-match datastore -> Service.HandleUpdate / Service.HandleRemove
// Service -> BundlePool keeps pending bundle items per bundle type
//
// ChainClient new block -> Broadcaster computes the ExecutionWindow
// Broadcaster -> BundlePool.GetTransactions selects a conflict-free candidate set
//
//	BundlePool -> ExchangeEncoder verifies items on-chain and encodes gas-bounded calls
//
// Broadcaster -> Relay simulates the signed bundle, then submits it for the target block
// Broadcaster -> InclusionWaiter resolves the submission
// Broadcaster -> Events publishes lifecycle, simulation, submission and result events
//
// ResultHandler consumes the events and updates the OrderMatchStore and the pool.
package broadcaster

import "time"

const (
	// MaxGasLimit is the hard ceiling for a single bundle transaction.
	MaxGasLimit uint64 = 30_000_000
	// FallbackGasLimit is used for transactions that were not estimated.
	FallbackGasLimit uint64 = 500_000

	// GasLimitBufferPercent is applied on top of eth_estimateGas.
	GasLimitBufferPercent = 120
	// CurrencyBufferPercent is required on top of the execution price when checking buyer funds.
	CurrencyBufferPercent = 110

	// MaxSplitAttempts bounds the number of times a bundle is re-split to fit MaxGasLimit.
	MaxSplitAttempts = 8

	ExecutionWindowDuration = 120 * time.Second

	DefaultBlocksInFuture          = 2
	DefaultPriorityFeeGwei         = 3.5
	DefaultFilterSimulationReverts = true
	DefaultAllowReverts            = false
	DefaultMinBundleSize           = 1

	// EstimatedGasPerItem is used to estimate the gas refund a buyer pays in the refund currency.
	EstimatedGasPerItem uint64 = 300_000
)
