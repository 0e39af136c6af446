package broadcaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownBundleType = errors.New("unknown bundle type")
	ErrInvalidOrder      = errors.New("invalid maker order")
)

// BundleType identifies the exchange method a bundle item is executed with
type BundleType string

const (
	BundleTypeMatchOrders          BundleType = "matchOrders"
	BundleTypeMatchOrdersOneToOne  BundleType = "matchOrdersOneToOne"
	BundleTypeMatchOrdersOneToMany BundleType = "matchOrdersOneToMany"
)

// BundleTypes lists every supported bundle type in processing order.
var BundleTypes = []BundleType{
	BundleTypeMatchOrders,
	BundleTypeMatchOrdersOneToOne,
	BundleTypeMatchOrdersOneToMany,
}

func (t BundleType) Valid() bool {
	switch t {
	case BundleTypeMatchOrders, BundleTypeMatchOrdersOneToOne, BundleTypeMatchOrdersOneToMany:
		return true
	default:
		return false
	}
}

type TokenInfo struct {
	TokenId   *big.Int `json:"tokenId"`
	NumTokens *big.Int `json:"numTokens"`
}

type OrderItem struct {
	Collection common.Address `json:"collection"`
	Tokens     []TokenInfo    `json:"tokens"`
}

// MakerOrder is a user-signed order as accepted by the exchange contract.
// Field order and types follow the contract tuple, abi packs bytes only from []byte.
type MakerOrder struct {
	IsSellOrder bool             `json:"isSellOrder"`
	Signer      common.Address   `json:"signer"`
	Constraints []*big.Int       `json:"constraints"`
	Nfts        []OrderItem      `json:"nfts"`
	ExecParams  []common.Address `json:"execParams"`
	ExtraParams []byte           `json:"extraParams"`
	Sig         []byte           `json:"sig"`
}

type makerOrderJSON struct {
	IsSellOrder bool             `json:"isSellOrder"`
	Signer      common.Address   `json:"signer"`
	Constraints []*big.Int       `json:"constraints"`
	Nfts        []OrderItem      `json:"nfts"`
	ExecParams  []common.Address `json:"execParams"`
	ExtraParams hexutil.Bytes    `json:"extraParams"`
	Sig         hexutil.Bytes    `json:"sig"`
}

// MarshalJSON encodes the byte fields as 0x prefixed hex
func (o MakerOrder) MarshalJSON() ([]byte, error) {
	return json.Marshal(makerOrderJSON{
		IsSellOrder: o.IsSellOrder,
		Signer:      o.Signer,
		Constraints: o.Constraints,
		Nfts:        o.Nfts,
		ExecParams:  o.ExecParams,
		ExtraParams: o.ExtraParams,
		Sig:         o.Sig,
	})
}

func (o *MakerOrder) UnmarshalJSON(data []byte) error {
	var dec makerOrderJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*o = MakerOrder{
		IsSellOrder: dec.IsSellOrder,
		Signer:      dec.Signer,
		Constraints: dec.Constraints,
		Nfts:        dec.Nfts,
		ExecParams:  dec.ExecParams,
		ExtraParams: dec.ExtraParams,
		Sig:         dec.Sig,
	}
	return nil
}

// Currency returns the currency the order is settled in
func (o *MakerOrder) Currency() (common.Address, error) {
	if len(o.ExecParams) < 2 {
		return common.Address{}, fmt.Errorf("%w: missing currency exec param", ErrInvalidOrder)
	}
	return o.ExecParams[1], nil
}

type BaseBundleItem struct {
	ID              string         `json:"id"`
	ChainID         uint64         `json:"chainId"`
	MaxGasPriceGwei *float64       `json:"maxGasPriceGwei,omitempty"`
	ExchangeAddress common.Address `json:"exchangeAddress"`
}

func (b *BaseBundleItem) Base() *BaseBundleItem {
	return b
}

// BundleItem is one pending order match. The set of implementations is closed:
// MatchOrdersItem, MatchOrdersOneToOneItem and MatchOrdersOneToManyItem.
type BundleItem interface {
	Base() *BaseBundleItem
	BundleType() BundleType
	// OrderHashes returns the hashes of every maker order the item executes.
	OrderHashes() []common.Hash
	// BuyOrderHashes returns the hashes that show up as buyOrderHash in fulfilled events.
	BuyOrderHashes() []common.Hash
	// Transfers returns the NFT movements the item performs when executed.
	Transfers() []NftMove
	// CurrencySpends returns what every buyer pays for the given execution price.
	CurrencySpends(price *big.Int) ([]CurrencySpend, error)

	sealed()
}

// NftMove is a single token movement planned by a bundle item
type NftMove struct {
	Collection common.Address
	TokenID    *big.Int
	Amount     *big.Int
	From       common.Address
	To         common.Address
}

// OwnerTokenKey identifies a token held by an owner: collection:tokenId:owner
func (m NftMove) OwnerTokenKey() string {
	return strings.Join([]string{lowerHex(m.Collection), bigString(m.TokenID), lowerHex(m.From)}, ":")
}

// Fingerprint identifies the transfer: collection:tokenId:amount:from:to
func (m NftMove) Fingerprint() string {
	return transferFingerprint(m.Collection, m.TokenID, m.Amount, m.From, m.To)
}

func transferFingerprint(collection common.Address, tokenID, amount *big.Int, from, to common.Address) string {
	return strings.Join([]string{lowerHex(collection), bigString(tokenID), bigString(amount), lowerHex(from), lowerHex(to)}, ":")
}

type CurrencySpend struct {
	Owner    common.Address
	Currency common.Address
	Amount   *big.Int
}

type MatchOrdersItem struct {
	BaseBundleItem
	Sell          MakerOrder  `json:"sell"`
	Buy           MakerOrder  `json:"buy"`
	SellOrderHash common.Hash `json:"sellOrderHash"`
	BuyOrderHash  common.Hash `json:"buyOrderHash"`
	// Constructed describes the exact nfts moved by the match
	Constructed MakerOrder `json:"constructed"`
}

func (i *MatchOrdersItem) BundleType() BundleType { return BundleTypeMatchOrders }

func (i *MatchOrdersItem) sealed() {}

func (i *MatchOrdersItem) OrderHashes() []common.Hash {
	return []common.Hash{hashOr(i.SellOrderHash, &i.Sell), hashOr(i.BuyOrderHash, &i.Buy)}
}

func (i *MatchOrdersItem) BuyOrderHashes() []common.Hash {
	return []common.Hash{hashOr(i.BuyOrderHash, &i.Buy)}
}

func (i *MatchOrdersItem) Transfers() []NftMove {
	return movesOf(i.Constructed.Nfts, i.Sell.Signer, i.Buy.Signer)
}

func (i *MatchOrdersItem) CurrencySpends(price *big.Int) ([]CurrencySpend, error) {
	currency, err := i.Buy.Currency()
	if err != nil {
		return nil, err
	}
	return []CurrencySpend{{Owner: i.Buy.Signer, Currency: currency, Amount: price}}, nil
}

type MatchOrdersOneToOneItem struct {
	BaseBundleItem
	Sell          MakerOrder  `json:"sell"`
	Buy           MakerOrder  `json:"buy"`
	SellOrderHash common.Hash `json:"sellOrderHash"`
	BuyOrderHash  common.Hash `json:"buyOrderHash"`
}

func (i *MatchOrdersOneToOneItem) BundleType() BundleType { return BundleTypeMatchOrdersOneToOne }

func (i *MatchOrdersOneToOneItem) sealed() {}

func (i *MatchOrdersOneToOneItem) OrderHashes() []common.Hash {
	return []common.Hash{hashOr(i.SellOrderHash, &i.Sell), hashOr(i.BuyOrderHash, &i.Buy)}
}

func (i *MatchOrdersOneToOneItem) BuyOrderHashes() []common.Hash {
	return []common.Hash{hashOr(i.BuyOrderHash, &i.Buy)}
}

func (i *MatchOrdersOneToOneItem) Transfers() []NftMove {
	return movesOf(i.Sell.Nfts, i.Sell.Signer, i.Buy.Signer)
}

func (i *MatchOrdersOneToOneItem) CurrencySpends(price *big.Int) ([]CurrencySpend, error) {
	currency, err := i.Buy.Currency()
	if err != nil {
		return nil, err
	}
	return []CurrencySpend{{Owner: i.Buy.Signer, Currency: currency, Amount: price}}, nil
}

// MatchOrdersOneToManyItem matches one maker order against many orders of the opposite side
type MatchOrdersOneToManyItem struct {
	BaseBundleItem
	Order           MakerOrder    `json:"order"`
	OrderHash       common.Hash   `json:"orderHash"`
	ManyOrders      []MakerOrder  `json:"manyOrders"`
	ManyOrderHashes []common.Hash `json:"manyOrderHashes"`
}

func (i *MatchOrdersOneToManyItem) BundleType() BundleType { return BundleTypeMatchOrdersOneToMany }

func (i *MatchOrdersOneToManyItem) sealed() {}

func (i *MatchOrdersOneToManyItem) manyHash(idx int) common.Hash {
	var h common.Hash
	if idx < len(i.ManyOrderHashes) {
		h = i.ManyOrderHashes[idx]
	}
	return hashOr(h, &i.ManyOrders[idx])
}

func (i *MatchOrdersOneToManyItem) OrderHashes() []common.Hash {
	res := make([]common.Hash, 0, len(i.ManyOrders)+1)
	res = append(res, hashOr(i.OrderHash, &i.Order))
	for idx := range i.ManyOrders {
		res = append(res, i.manyHash(idx))
	}
	return res
}

func (i *MatchOrdersOneToManyItem) BuyOrderHashes() []common.Hash {
	if !i.Order.IsSellOrder {
		return []common.Hash{hashOr(i.OrderHash, &i.Order)}
	}
	res := make([]common.Hash, 0, len(i.ManyOrders))
	for idx := range i.ManyOrders {
		res = append(res, i.manyHash(idx))
	}
	return res
}

func (i *MatchOrdersOneToManyItem) Transfers() []NftMove {
	var moves []NftMove
	for _, other := range i.ManyOrders {
		if i.Order.IsSellOrder {
			moves = append(moves, movesOf(other.Nfts, i.Order.Signer, other.Signer)...)
		} else {
			moves = append(moves, movesOf(other.Nfts, other.Signer, i.Order.Signer)...)
		}
	}
	return moves
}

func (i *MatchOrdersOneToManyItem) CurrencySpends(price *big.Int) ([]CurrencySpend, error) {
	if !i.Order.IsSellOrder {
		currency, err := i.Order.Currency()
		if err != nil {
			return nil, err
		}
		return []CurrencySpend{{Owner: i.Order.Signer, Currency: currency, Amount: price}}, nil
	}
	if len(i.ManyOrders) == 0 {
		return nil, fmt.Errorf("%w: no orders to match", ErrInvalidOrder)
	}
	// the execution price is split evenly between the buyers, rounding up
	n := big.NewInt(int64(len(i.ManyOrders)))
	share := new(big.Int).Add(price, new(big.Int).Sub(n, big1))
	share.Div(share, n)

	spends := make([]CurrencySpend, 0, len(i.ManyOrders))
	for idx := range i.ManyOrders {
		currency, err := i.ManyOrders[idx].Currency()
		if err != nil {
			return nil, err
		}
		spends = append(spends, CurrencySpend{Owner: i.ManyOrders[idx].Signer, Currency: currency, Amount: share})
	}
	return spends, nil
}

// BundleItemWithCurrentPrice is a verified bundle item, valid for a single cycle
type BundleItemWithCurrentPrice struct {
	BundleItem
	CurrentPrice *big.Int
}

func movesOf(nfts []OrderItem, from, to common.Address) []NftMove {
	var moves []NftMove
	for _, nft := range nfts {
		for _, token := range nft.Tokens {
			moves = append(moves, NftMove{
				Collection: nft.Collection,
				TokenID:    token.TokenId,
				Amount:     token.NumTokens,
				From:       from,
				To:         to,
			})
		}
	}
	return moves
}

func hashOr(h common.Hash, order *MakerOrder) common.Hash {
	if h != (common.Hash{}) {
		return h
	}
	return OrderHash(order)
}

// OwnerTokenKeys returns the distinct collection:tokenId:owner keys of the item
func OwnerTokenKeys(item BundleItem) []string {
	return distinct(item.Transfers(), NftMove.OwnerTokenKey)
}

// TransferFingerprints returns the distinct transfer fingerprints of the item
func TransferFingerprints(item BundleItem) []string {
	return distinct(item.Transfers(), NftMove.Fingerprint)
}

func distinct(moves []NftMove, key func(NftMove) string) []string {
	seen := make(map[string]struct{}, len(moves))
	res := make([]string, 0, len(moves))
	for _, m := range moves {
		k := key(m)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		res = append(res, k)
	}
	return res
}

type bundleItemEnvelope struct {
	BundleType BundleType `json:"bundleType"`
}

// UnmarshalBundleItem decodes a bundle item tagged with its "bundleType"
func UnmarshalBundleItem(data []byte) (BundleItem, error) {
	var envelope bundleItemEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	var item BundleItem
	switch envelope.BundleType {
	case BundleTypeMatchOrders:
		item = new(MatchOrdersItem)
	case BundleTypeMatchOrdersOneToOne:
		item = new(MatchOrdersOneToOneItem)
	case BundleTypeMatchOrdersOneToMany:
		item = new(MatchOrdersOneToManyItem)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBundleType, envelope.BundleType)
	}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, err
	}
	return item, nil
}

// MarshalBundleItem encodes a bundle item together with its "bundleType" tag
func MarshalBundleItem(item BundleItem) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(item.BundleType())
	if err != nil {
		return nil, err
	}
	fields["bundleType"] = tag
	return json.Marshal(fields)
}
