package broadcaster

import (
	"hash"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"golang.org/x/crypto/sha3"
)

const (
	tokenInfoTypeString = "TokenInfo(uint256 tokenId,uint256 numTokens)"
	orderItemTypeString = "OrderItem(address collection,TokenInfo[] tokens)" + tokenInfoTypeString
	orderTypeString     = "Order(bool isSellOrder,address signer,uint256[] constraints,OrderItem[] nfts,address[] execParams,bytes extraParams)" + orderItemTypeString
)

var (
	orderTypeHash     = keccak([]byte(orderTypeString))
	orderItemTypeHash = keccak([]byte(orderItemTypeString))
	tokenInfoTypeHash = keccak([]byte(tokenInfoTypeString))
)

// OrderHash returns the struct hash of the maker order as computed by the exchange contract
func OrderHash(order *MakerOrder) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(orderTypeHash[:])
	if order.IsSellOrder {
		h.Write(word(big1))
	} else {
		h.Write(word(nil))
	}
	h.Write(common.LeftPadBytes(order.Signer.Bytes(), 32))
	h.Write(constraintsHash(order.Constraints).Bytes())
	h.Write(nftsHash(order.Nfts).Bytes())
	h.Write(execParamsHash(order.ExecParams).Bytes())
	h.Write(keccak(order.ExtraParams).Bytes())
	return sum(h)
}

func constraintsHash(constraints []*big.Int) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, c := range constraints {
		h.Write(word(c))
	}
	return sum(h)
}

func nftsHash(nfts []OrderItem) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, nft := range nfts {
		item := sha3.NewLegacyKeccak256()
		item.Write(orderItemTypeHash[:])
		item.Write(common.LeftPadBytes(nft.Collection.Bytes(), 32))
		item.Write(tokensHash(nft.Tokens).Bytes())
		h.Write(item.Sum(nil))
	}
	return sum(h)
}

func tokensHash(tokens []TokenInfo) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, token := range tokens {
		item := sha3.NewLegacyKeccak256()
		item.Write(tokenInfoTypeHash[:])
		item.Write(word(token.TokenId))
		item.Write(word(token.NumTokens))
		h.Write(item.Sum(nil))
	}
	return sum(h)
}

// execParamsHash hashes exactly two exec params: complication and currency
func execParamsHash(params []common.Address) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for i := 0; i < 2; i++ {
		var addr common.Address
		if i < len(params) {
			addr = params[i]
		}
		h.Write(common.LeftPadBytes(addr.Bytes(), 32))
	}
	return sum(h)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

func keccak(data []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return sum(h)
}

func sum(h hash.Hash) common.Hash {
	return common.BytesToHash(h.Sum(nil))
}
