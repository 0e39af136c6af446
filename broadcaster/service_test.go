package broadcaster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *Broadcaster, *Broadcaster) {
	t.Helper()
	chain := newFakeChain()
	mainnet := newTestBroadcaster(t, chain, newFakeRelay(t, chain), DefaultExecutionSettings())

	signer, _ := newTestTxSigner(t)
	goerli := NewBroadcaster(zap.NewNop(), chain, NewBundlePool(zap.NewNop(), newTestEncoder(chain)), newFakeRelay(t, chain), signer, NewEvents(), BroadcasterOpts{
		ChainID:  5,
		Settings: DefaultExecutionSettings(),
	})
	t.Cleanup(goerli.Events().Close)
	return NewService(zap.NewNop(), goerli, mainnet), mainnet, goerli
}

func TestServiceRoutesByChain(t *testing.T) {
	service, mainnet, goerli := newTestService(t)

	require.Equal(t, []*Broadcaster{mainnet, goerli}, service.Broadcasters())
	b, ok := service.Broadcaster(5)
	require.True(t, ok)
	require.Equal(t, goerli, b)

	require.NoError(t, service.HandleUpdate(newOneToOneItem("a", 1)))
	onGoerli := newOneToOneItem("b", 2)
	onGoerli.ChainID = 5
	require.NoError(t, service.HandleUpdate(onGoerli))
	require.Equal(t, 1, mainnet.Pool().Len())
	require.Equal(t, 1, goerli.Pool().Len())

	unsupported := newOneToOneItem("c", 3)
	unsupported.ChainID = 137
	require.ErrorIs(t, service.HandleUpdate(unsupported), ErrUnsupportedChain)

	// removal does not need the chain
	require.True(t, service.HandleRemove("b"))
	require.Equal(t, 0, goerli.Pool().Len())
	require.False(t, service.HandleRemove("b"))
}

func TestServiceStartStop(t *testing.T) {
	service, mainnet, goerli := newTestService(t)
	service.Start(context.Background())
	require.True(t, mainnet.Running())
	require.True(t, goerli.Running())
	service.Stop()
	require.False(t, mainnet.Running())
	require.False(t, goerli.Running())
}

func TestAPI(t *testing.T) {
	service, mainnet, _ := newTestService(t)
	api := NewAPI(service)
	ctx := context.Background()

	data, err := MarshalBundleItem(newOneToOneItem("a", 1))
	require.NoError(t, err)
	id, err := api.AddOrderMatch(ctx, data)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	_, err = api.AddOrderMatch(ctx, json.RawMessage(`{"bundleType":"matchSomething"}`))
	require.ErrorIs(t, err, ErrUnknownBundleType)

	raw, err := api.GetOrderMatch(ctx, hexutil.Uint64(1), "a")
	require.NoError(t, err)
	item, err := UnmarshalBundleItem(raw)
	require.NoError(t, err)
	require.Equal(t, BundleTypeMatchOrdersOneToOne, item.BundleType())

	_, err = api.GetOrderMatch(ctx, hexutil.Uint64(1), "missing")
	require.ErrorIs(t, err, ErrOrderMatchNotFound)
	_, err = api.GetOrderMatch(ctx, hexutil.Uint64(137), "a")
	require.ErrorIs(t, err, ErrUnsupportedChain)

	status, err := api.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	require.Equal(t, hexutil.Uint64(1), status[0].ChainID)
	require.Equal(t, mainnet.Signer(), status[0].Signer)
	require.Equal(t, 1, status[0].PoolSize)
	require.Equal(t, 1, status[0].PoolSizes[BundleTypeMatchOrdersOneToOne])
	require.False(t, status[0].Running)
	require.Equal(t, 0, status[1].PoolSize)

	removed, err := api.RemoveOrderMatch(ctx, "a")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 0, mainnet.Pool().Len())
}
