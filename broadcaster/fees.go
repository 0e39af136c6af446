package broadcaster

import (
	"math/big"
)

// Base fee can move by at most 1/8 per block so the projection
// for n blocks ahead is base * (1 +- 0.125)^n, evaluated in fixed point.
var (
	feeScale         = big.NewInt(1000)
	maxChangeNum     = big.NewInt(1125)
	minChangeNum     = big.NewInt(875)
	maxChangeDivisor = big.NewInt(1000)
)

type ProjectedFees struct {
	MaxBaseFeeWei *big.Int
	MinBaseFeeWei *big.Int
}

// MaxBaseFeeGwei returns the max base fee truncated to 2 decimals of gwei
func (f ProjectedFees) MaxBaseFeeGwei() float64 {
	return WeiToRoundedGwei(f.MaxBaseFeeWei)
}

// MinBaseFeeGwei returns the min base fee truncated to 2 decimals of gwei
func (f ProjectedFees) MinBaseFeeGwei() float64 {
	return WeiToRoundedGwei(f.MinBaseFeeWei)
}

// ProjectFees returns the bounds of the base fee blocksAhead blocks in the future
func ProjectFees(currentBaseFeeWei *big.Int, blocksAhead uint64) ProjectedFees {
	base := bigOrZero(currentBaseFeeWei)
	maxFactor, minFactor := feeFactors(blocksAhead)

	maxFee := new(big.Int).Mul(base, maxFactor)
	maxFee.Div(maxFee, feeScale)
	minFee := new(big.Int).Mul(base, minFactor)
	minFee.Div(minFee, feeScale)

	return ProjectedFees{MaxBaseFeeWei: maxFee, MinBaseFeeWei: minFee}
}

// feeFactors returns ceil(1.125^n * 1000) and floor(0.875^n * 1000)
func feeFactors(n uint64) (maxFactor, minFactor *big.Int) {
	exp := new(big.Int).SetUint64(n)
	denominator := new(big.Int).Exp(maxChangeDivisor, exp, nil)

	maxNum := new(big.Int).Exp(maxChangeNum, exp, nil)
	maxNum.Mul(maxNum, feeScale)
	maxFactor, rem := new(big.Int).QuoRem(maxNum, denominator, new(big.Int))
	if rem.Sign() != 0 {
		maxFactor.Add(maxFactor, big1)
	}

	minNum := new(big.Int).Exp(minChangeNum, exp, nil)
	minNum.Mul(minNum, feeScale)
	minFactor = minNum.Div(minNum, denominator)

	return maxFactor, minFactor
}
