package broadcaster

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs exchange calls as EIP-1559 transactions with sequential nonces
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) *TxSigner {
	return &TxSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (s *TxSigner) Address() common.Address {
	return s.address
}

// Sign signs the requests in order starting at baseNonce with the fees of the window
func (s *TxSigner) Sign(requests []TxRequest, baseNonce uint64, window *ExecutionWindow) ([]*BundleTransaction, error) {
	res := make([]*BundleTransaction, 0, len(requests))
	for i, req := range requests {
		gas := req.Gas
		if gas == 0 {
			gas = FallbackGasLimit
		}
		to := req.To
		tx, err := types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     baseNonce + uint64(i),
			GasTipCap: new(big.Int).Set(window.PriorityFee),
			GasFeeCap: new(big.Int).Set(window.MaxFeePerGas),
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      req.Data,
		})
		if err != nil {
			return nil, err
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		res = append(res, &BundleTransaction{Request: req, Tx: tx, Raw: raw})
	}
	return res, nil
}
