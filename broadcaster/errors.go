package broadcaster

import (
	"errors"
	"fmt"
)

var (
	ErrNoTransactions     = errors.New("no transactions to submit")
	ErrEmptyRelayResponse = errors.New("empty relay response")
	ErrResolutionTimeout  = errors.New("timed out waiting for bundle resolution")
	ErrGasLimitExceeded   = errors.New("transaction gas exceeds max gas limit")
	ErrUnsupportedChain   = errors.New("unsupported chain")
	ErrOrderMatchNotFound = errors.New("order match not found")
)

// RelayError is an error returned by the relay, it aborts the current cycle
type RelayError struct {
	Code    int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

type InvalidItemCode string

const (
	InvalidItemOrderInvalid                  InvalidItemCode = "OrderInvalid"
	InvalidItemNotApprovedToTransferToken    InvalidItemCode = "NotApprovedToTransferToken"
	InvalidItemInsufficientTokenBalance      InvalidItemCode = "InsufficientTokenBalance"
	InvalidItemInsufficientCurrencyAllowance InvalidItemCode = "InsufficientCurrencyAllowance"
	InvalidItemInsufficientCurrencyBalance   InvalidItemCode = "InsufficientCurrencyBalance"
	InvalidItemUnknownError                  InvalidItemCode = "UnknownError"
)

// InvalidBundleItem is an item rejected during verification
type InvalidBundleItem struct {
	Item    BundleItem
	Code    InvalidItemCode
	Message string
}

func (i InvalidBundleItem) Error() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

type FailedReason string

const (
	FailedReasonBlockPassedWithoutInclusion FailedReason = "block-passed-without-inclusion"
	FailedReasonAccountNonceTooHigh         FailedReason = "account-nonce-too-high"
)

// RevertReason is a normalized simulation revert reason
type RevertReason string

const (
	RevertReasonInsufficientAllowance RevertReason = "insufficient-allowance"
	RevertReasonUnknown               RevertReason = "unknown"
)

var revertReasonPatterns = []struct {
	substring string
	reason    RevertReason
}{
	{"insufficient allowance", RevertReasonInsufficientAllowance},
}
