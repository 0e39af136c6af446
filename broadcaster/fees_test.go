package broadcaster

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProjectFees(t *testing.T) {
	gwei := big.NewInt(1_000_000_000)

	tests := []struct {
		name        string
		base        *big.Int
		blocksAhead uint64
		expectedMax *big.Int
		expectedMin *big.Int
	}{
		{
			name:        "zero blocks ahead",
			base:        big.NewInt(12345),
			blocksAhead: 0,
			expectedMax: big.NewInt(12345),
			expectedMin: big.NewInt(12345),
		},
		{
			name:        "one block ahead",
			base:        gwei,
			blocksAhead: 1,
			expectedMax: big.NewInt(1_125_000_000),
			expectedMin: big.NewInt(875_000_000),
		},
		{
			// 1.265625 -> ceil 1266, 0.765625 -> floor 765
			name:        "two blocks ahead",
			base:        gwei,
			blocksAhead: 2,
			expectedMax: big.NewInt(1_266_000_000),
			expectedMin: big.NewInt(765_000_000),
		},
		{
			name:        "nil base fee",
			base:        nil,
			blocksAhead: 2,
			expectedMax: big.NewInt(0),
			expectedMin: big.NewInt(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fees := ProjectFees(tt.base, tt.blocksAhead)
			require.Equal(t, 0, tt.expectedMax.Cmp(fees.MaxBaseFeeWei), "max %s", fees.MaxBaseFeeWei)
			require.Equal(t, 0, tt.expectedMin.Cmp(fees.MinBaseFeeWei), "min %s", fees.MinBaseFeeWei)
		})
	}
}

func TestProjectFeesMonotonic(t *testing.T) {
	base := big.NewInt(30_000_000_000)
	prev := ProjectFees(base, 0)
	for n := uint64(1); n < 20; n++ {
		fees := ProjectFees(base, n)
		require.True(t, fees.MaxBaseFeeWei.Cmp(prev.MaxBaseFeeWei) >= 0)
		require.True(t, fees.MinBaseFeeWei.Cmp(prev.MinBaseFeeWei) <= 0)
		require.True(t, fees.MinBaseFeeWei.Cmp(fees.MaxBaseFeeWei) <= 0)
		prev = fees
	}
}

func TestWeiToRoundedGwei(t *testing.T) {
	require.Equal(t, 1.23, WeiToRoundedGwei(big.NewInt(1_234_567_890)))
	require.Equal(t, 0.0, WeiToRoundedGwei(big.NewInt(999_999)))
	require.Equal(t, 30.0, WeiToRoundedGwei(big.NewInt(30_000_000_000)))
	require.Equal(t, 0.0, WeiToRoundedGwei(nil))

	fees := ProjectFees(big.NewInt(1_000_000_000), 2)
	require.Equal(t, 1.26, fees.MaxBaseFeeGwei())
	require.Equal(t, 0.76, fees.MinBaseFeeGwei())
}

func TestGweiToWei(t *testing.T) {
	require.Equal(t, 0, big.NewInt(3_500_000_000).Cmp(GweiToWei(3.5)))
	require.Equal(t, 0, big.NewInt(0).Cmp(GweiToWei(0)))
}
