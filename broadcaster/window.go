package broadcaster

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// ExecutionSettings are the per chain knobs of a broadcaster
type ExecutionSettings struct {
	BlocksInFuture          uint64             `yaml:"blocksInFuture"`
	PriorityFeeGwei         float64            `yaml:"priorityFeeGwei"`
	FilterSimulationReverts bool               `yaml:"filterSimulationReverts"`
	AllowReverts            bool               `yaml:"allowReverts"`
	MinBundleSize           map[BundleType]int `yaml:"minBundleSize"`
}

func DefaultExecutionSettings() ExecutionSettings {
	return ExecutionSettings{
		BlocksInFuture:          DefaultBlocksInFuture,
		PriorityFeeGwei:         DefaultPriorityFeeGwei,
		FilterSimulationReverts: DefaultFilterSimulationReverts,
		AllowReverts:            DefaultAllowReverts,
		MinBundleSize:           make(map[BundleType]int),
	}
}

// ExecutionWindow is the target block, timestamp bounds and fees of one cycle
type ExecutionWindow struct {
	BlockNumber       uint64
	TargetBlockNumber uint64
	MinTimestamp      uint64
	MaxTimestamp      uint64

	Fees         ProjectedFees
	PriorityFee  *big.Int
	MaxFeePerGas *big.Int
	// FeeCeilingGwei is compared against the max gas price of the items
	FeeCeilingGwei float64
}

// NewExecutionWindow computes the window for a bundle built on top of header.
// The base fee of the header is projected blocksInFuture ahead, gasPrice is used when the header has no base fee.
func NewExecutionWindow(header *types.Header, gasPrice *big.Int, settings ExecutionSettings) *ExecutionWindow {
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = bigOrZero(gasPrice)
	}
	fees := ProjectFees(baseFee, settings.BlocksInFuture)
	priorityFee := GweiToWei(settings.PriorityFeeGwei)

	blockNumber := header.Number.Uint64()
	return &ExecutionWindow{
		BlockNumber:       blockNumber,
		TargetBlockNumber: blockNumber + settings.BlocksInFuture,
		MinTimestamp:      header.Time,
		MaxTimestamp:      header.Time + uint64(ExecutionWindowDuration/time.Second),
		Fees:              fees,
		PriorityFee:       priorityFee,
		MaxFeePerGas:      new(big.Int).Add(fees.MaxBaseFeeWei, priorityFee),
		FeeCeilingGwei:    fees.MaxBaseFeeGwei() + settings.PriorityFeeGwei,
	}
}
