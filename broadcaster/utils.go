package broadcaster

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)

	big1    = big.NewInt(1)
	big100  = big.NewInt(100)
	bigGwei = big.NewInt(params.GWei)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// WeiToRoundedGwei converts wei to gwei truncated to 2 decimal places
// examples:
// WeiToRoundedGwei(1_234_567_890) = 1.23
// WeiToRoundedGwei(999_999) = 0
func WeiToRoundedGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	hundredths := new(big.Int).Mul(wei, big100)
	hundredths.Div(hundredths, bigGwei)
	f, _ := new(big.Float).SetInt(hundredths).Float64()
	return f / 100
}

// GweiToWei converts gwei with a fractional part to wei, precise to 1 wei
func GweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), gweiDivisor)
	wei, _ := f.Int(nil)
	return wei
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// mulPercent returns v * percent / 100
func mulPercent(v *big.Int, percent int64) *big.Int {
	res := new(big.Int).Mul(v, big.NewInt(percent))
	return res.Div(res, big100)
}
