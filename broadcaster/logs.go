package broadcaster

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type NftTransfer struct {
	Collection common.Address `json:"collection"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	TokenID    *big.Int       `json:"tokenId"`
	Amount     *big.Int       `json:"amount"`
}

// Fingerprint matches NftMove.Fingerprint of the planned transfer
func (t NftTransfer) Fingerprint() string {
	return transferFingerprint(t.Collection, t.TokenID, t.Amount, t.From, t.To)
}

type Erc20Transfer struct {
	Currency common.Address `json:"currency"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Amount   *big.Int       `json:"amount"`
}

type MatchOrderFulfilledEvent struct {
	ExchangeAddress common.Address `json:"exchangeAddress"`
	TxHash          common.Hash    `json:"txHash"`
	BlockNumber     uint64         `json:"blockNumber"`
	SellOrderHash   common.Hash    `json:"sellOrderHash"`
	BuyOrderHash    common.Hash    `json:"buyOrderHash"`
	Seller          common.Address `json:"seller"`
	Buyer           common.Address `json:"buyer"`
	Complication    common.Address `json:"complication"`
	Currency        common.Address `json:"currency"`
	Amount          *big.Int       `json:"amount"`
	Nfts            []OrderItem    `json:"nfts"`
}

// matchOrderFulfilledData is the non-indexed part of the MatchOrderFulfilled event
type matchOrderFulfilledData struct {
	SellOrderHash common.Hash
	BuyOrderHash  common.Hash
	Complication  common.Address
	Amount        *big.Int
	Nfts          []OrderItem
}

type DecodedLogs struct {
	NftTransfers    []NftTransfer              `json:"nftTransfers"`
	Erc20Transfers  []Erc20Transfer            `json:"erc20Transfers"`
	OrdersFulfilled []MatchOrderFulfilledEvent `json:"ordersFulfilled"`
}

// DecodeLogs extracts transfers and fulfilled orders from receipt logs, unknown logs are skipped
func DecodeLogs(logs []*types.Log) DecodedLogs {
	var res DecodedLogs
	for _, log := range logs {
		if log == nil || len(log.Topics) == 0 {
			continue
		}
		if transfer, ok := DecodeNftTransfer(log); ok {
			res.NftTransfers = append(res.NftTransfers, transfer)
		}
		if transfer, ok := DecodeErc20Transfer(log); ok {
			res.Erc20Transfers = append(res.Erc20Transfers, transfer)
		}
		if event, ok := DecodeMatchOrderFulfilled(log); ok {
			res.OrdersFulfilled = append(res.OrdersFulfilled, event)
		}
	}
	return res
}

// DecodeNftTransfer decodes the ERC-721 Transfer event, where the token id is indexed
func DecodeNftTransfer(log *types.Log) (NftTransfer, bool) {
	if len(log.Topics) != 4 || log.Topics[0] != transferTopic {
		return NftTransfer{}, false
	}
	return NftTransfer{
		Collection: log.Address,
		From:       common.BytesToAddress(log.Topics[1].Bytes()),
		To:         common.BytesToAddress(log.Topics[2].Bytes()),
		TokenID:    log.Topics[3].Big(),
		Amount:     big.NewInt(1),
	}, true
}

// DecodeErc20Transfer decodes the ERC-20 Transfer event, where the amount is in data
func DecodeErc20Transfer(log *types.Log) (Erc20Transfer, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic || len(log.Data) != 32 {
		return Erc20Transfer{}, false
	}
	return Erc20Transfer{
		Currency: log.Address,
		From:     common.BytesToAddress(log.Topics[1].Bytes()),
		To:       common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:   new(big.Int).SetBytes(log.Data),
	}, true
}

func DecodeMatchOrderFulfilled(log *types.Log) (MatchOrderFulfilledEvent, bool) {
	if len(log.Topics) != 4 || log.Topics[0] != matchOrderFulfilledTopic {
		return MatchOrderFulfilledEvent{}, false
	}
	var data matchOrderFulfilledData
	if err := ExchangeABI.UnpackIntoInterface(&data, "MatchOrderFulfilled", log.Data); err != nil {
		return MatchOrderFulfilledEvent{}, false
	}
	return MatchOrderFulfilledEvent{
		ExchangeAddress: log.Address,
		TxHash:          log.TxHash,
		BlockNumber:     log.BlockNumber,
		SellOrderHash:   data.SellOrderHash,
		BuyOrderHash:    data.BuyOrderHash,
		Seller:          common.BytesToAddress(log.Topics[1].Bytes()),
		Buyer:           common.BytesToAddress(log.Topics[2].Bytes()),
		Complication:    data.Complication,
		Currency:        common.BytesToAddress(log.Topics[3].Bytes()),
		Amount:          data.Amount,
		Nfts:            data.Nfts,
	}, true
}
