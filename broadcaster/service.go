package broadcaster

import (
	"context"
	"sort"

	"github.com/flashbots/nft-match-broadcaster/metrics"
	"go.uber.org/zap"
)

// OrderMatchHandler consumes the order-match datastore stream
type OrderMatchHandler interface {
	HandleUpdate(item BundleItem) error
	HandleRemove(id string) bool
}

// Service routes order matches to the broadcaster of their chain
type Service struct {
	log          *zap.Logger
	broadcasters map[uint64]*Broadcaster
}

func NewService(log *zap.Logger, broadcasters ...*Broadcaster) *Service {
	s := &Service{
		log:          log.Named("service"),
		broadcasters: make(map[uint64]*Broadcaster, len(broadcasters)),
	}
	for _, b := range broadcasters {
		s.broadcasters[b.ChainID()] = b
	}
	return s
}

func (s *Service) Broadcaster(chainID uint64) (*Broadcaster, bool) {
	b, ok := s.broadcasters[chainID]
	return b, ok
}

// Broadcasters returns the broadcasters ordered by chain id
func (s *Service) Broadcasters() []*Broadcaster {
	res := make([]*Broadcaster, 0, len(s.broadcasters))
	for _, b := range s.broadcasters {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ChainID() < res[j].ChainID()
	})
	return res
}

// HandleUpdate adds the item to the pool of its chain
func (s *Service) HandleUpdate(item BundleItem) error {
	base := item.Base()
	b, ok := s.broadcasters[base.ChainID]
	if !ok {
		s.log.Error("Unsupported chain", zap.Uint64("chain", base.ChainID), zap.String("id", base.ID))
		return ErrUnsupportedChain
	}
	if err := b.Pool().Add(item); err != nil {
		s.log.Error("Failed to add order match", zap.String("id", base.ID), zap.Error(err))
		return err
	}
	metrics.IncOrderMatchesUpdated()
	return nil
}

// HandleRemove removes the item from every chain
func (s *Service) HandleRemove(id string) bool {
	removed := false
	for _, b := range s.broadcasters {
		if b.Pool().Remove(id) {
			removed = true
		}
	}
	if removed {
		metrics.IncOrderMatchesRemoved()
	}
	return removed
}

func (s *Service) Start(ctx context.Context) {
	for _, b := range s.Broadcasters() {
		b.Start(ctx)
	}
}

func (s *Service) Stop() {
	for _, b := range s.Broadcasters() {
		b.Stop()
	}
}
