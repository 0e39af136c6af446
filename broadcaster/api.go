package broadcaster

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	AddOrderMatchEndpointName    = "broadcaster_addOrderMatch"
	RemoveOrderMatchEndpointName = "broadcaster_removeOrderMatch"
	GetOrderMatchEndpointName    = "broadcaster_getOrderMatch"
	StatusEndpointName           = "broadcaster_status"
)

type ChainStatus struct {
	ChainID   hexutil.Uint64     `json:"chainId"`
	Running   bool               `json:"running"`
	Signer    common.Address     `json:"signer"`
	PoolSize  int                `json:"poolSize"`
	PoolSizes map[BundleType]int `json:"poolSizes"`
}

// API is the admin json-rpc surface of the service, it feeds the same handler as the order match stream
type API struct {
	service *Service
}

func NewAPI(service *Service) *API {
	return &API{service: service}
}

func (a *API) AddOrderMatch(ctx context.Context, data json.RawMessage) (string, error) {
	item, err := UnmarshalBundleItem(data)
	if err != nil {
		return "", err
	}
	if err := a.service.HandleUpdate(item); err != nil {
		return "", err
	}
	return item.Base().ID, nil
}

func (a *API) RemoveOrderMatch(ctx context.Context, id string) (bool, error) {
	return a.service.HandleRemove(id), nil
}

func (a *API) GetOrderMatch(ctx context.Context, chainID hexutil.Uint64, id string) (json.RawMessage, error) {
	b, ok := a.service.Broadcaster(uint64(chainID))
	if !ok {
		return nil, ErrUnsupportedChain
	}
	item, ok := b.Pool().Get(id)
	if !ok {
		return nil, ErrOrderMatchNotFound
	}
	return MarshalBundleItem(item)
}

func (a *API) Status(ctx context.Context) ([]ChainStatus, error) {
	broadcasters := a.service.Broadcasters()
	res := make([]ChainStatus, 0, len(broadcasters))
	for _, b := range broadcasters {
		res = append(res, ChainStatus{
			ChainID:   hexutil.Uint64(b.ChainID()),
			Running:   b.Running(),
			Signer:    b.Signer(),
			PoolSize:  b.Pool().Len(),
			PoolSizes: b.Pool().Sizes(),
		})
	}
	return res, nil
}
