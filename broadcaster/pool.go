package broadcaster

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/nft-match-broadcaster/metrics"
	"go.uber.org/zap"
)

// TxRequest is an encoded exchange call executing a group of bundle items
type TxRequest struct {
	BundleType BundleType
	To         common.Address
	Data       []byte
	Gas        uint64
	Items      []BundleItem
}

type EncodeOptions struct {
	// Signer is the address the transactions are sent from
	Signer common.Address
	// MaxFeePerGas is the fee cap of the cycle, used to estimate gas refunds
	MaxFeePerGas  *big.Int
	MinBundleSize int
}

type EncodeResult struct {
	TxRequests   []TxRequest
	InvalidItems []InvalidBundleItem
	ValidItems   []*BundleItemWithCurrentPrice
}

func (r *EncodeResult) merge(other *EncodeResult) {
	if other == nil {
		return
	}
	r.TxRequests = append(r.TxRequests, other.TxRequests...)
	r.InvalidItems = append(r.InvalidItems, other.InvalidItems...)
	r.ValidItems = append(r.ValidItems, other.ValidItems...)
}

type Encoder interface {
	Encode(ctx context.Context, bundleType BundleType, items []BundleItem, opts EncodeOptions) (*EncodeResult, error)
}

type GetTransactionsOptions struct {
	// FeeCeilingGwei is the max fee per gas of the cycle in gwei
	FeeCeilingGwei float64
	Signer         common.Address
	MaxFeePerGas   *big.Int
	// MinBundleSize overrides DefaultMinBundleSize per bundle type
	MinBundleSize map[BundleType]int
}

func (o GetTransactionsOptions) minBundleSize(bundleType BundleType) int {
	if size, ok := o.MinBundleSize[bundleType]; ok && size > 0 {
		return size
	}
	return DefaultMinBundleSize
}

type poolEntry struct {
	item         BundleItem
	seq          uint64
	fingerprints []string
}

// BundlePool keeps pending bundle items by bundle type and id. All operations are serialized.
type BundlePool struct {
	log     *zap.Logger
	encoder Encoder

	mu           sync.Mutex
	seq          uint64
	items        map[BundleType]map[string]*poolEntry
	fingerprints map[string]string
	inFlight     map[string]struct{}
}

func NewBundlePool(log *zap.Logger, encoder Encoder) *BundlePool {
	items := make(map[BundleType]map[string]*poolEntry, len(BundleTypes))
	for _, t := range BundleTypes {
		items[t] = make(map[string]*poolEntry)
	}
	return &BundlePool{
		log:          log.Named("pool"),
		encoder:      encoder,
		items:        items,
		fingerprints: make(map[string]string),
		inFlight:     make(map[string]struct{}),
	}
}

// Add inserts the item, an item with the same id is replaced
func (p *BundlePool) Add(item BundleItem) error {
	bundleType := item.BundleType()
	if !bundleType.Valid() {
		return ErrUnknownBundleType
	}
	id := item.Base().ID

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeLocked(id)

	p.seq++
	entry := &poolEntry{item: item, seq: p.seq, fingerprints: TransferFingerprints(item)}
	p.items[bundleType][id] = entry
	for _, fp := range entry.fingerprints {
		p.fingerprints[fp] = id
	}
	return nil
}

// Remove deletes the item and its fingerprints, it is a no-op for unknown ids
func (p *BundlePool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

func (p *BundlePool) removeLocked(id string) bool {
	for _, byID := range p.items {
		entry, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		delete(p.inFlight, id)
		for _, fp := range entry.fingerprints {
			// another item may have claimed the fingerprint since
			if p.fingerprints[fp] == id {
				delete(p.fingerprints, fp)
			}
		}
		return true
	}
	return false
}

func (p *BundlePool) Get(id string) (BundleItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, byID := range p.items {
		if entry, ok := byID[id]; ok {
			return entry.item, true
		}
	}
	return nil, false
}

// ItemByTransfer maps a decoded NFT transfer back to the pooled item that planned it
func (p *BundlePool) ItemByTransfer(transfer NftTransfer) (BundleItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.fingerprints[transfer.Fingerprint()]
	if !ok {
		return nil, false
	}
	for _, byID := range p.items {
		if entry, ok := byID[id]; ok {
			return entry.item, true
		}
	}
	return nil, false
}

func (p *BundlePool) Sizes() map[BundleType]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make(map[BundleType]int, len(p.items))
	for t, byID := range p.items {
		sizes[t] = len(byID)
	}
	return sizes
}

func (p *BundlePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, byID := range p.items {
		n += len(byID)
	}
	return n
}

// Release clears the in-flight mark of the items admitted by GetTransactions
func (p *BundlePool) Release(items []BundleItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		delete(p.inFlight, item.Base().ID)
	}
}

// GetTransactions selects a conflict-free set of items of every bundle type and encodes them.
// Admitted items are marked in-flight and are not selected again until released.
func (p *BundlePool) GetTransactions(ctx context.Context, opts GetTransactionsOptions) (*EncodeResult, []BundleItem) {
	startAt := time.Now()
	defer func() {
		metrics.RecordGetTransactionsDuration(time.Since(startAt).Milliseconds())
	}()

	candidates := p.selectCandidates(opts.FeeCeilingGwei)

	result := &EncodeResult{}
	var admitted []BundleItem
	for _, bundleType := range BundleTypes {
		items := candidates[bundleType]
		if len(items) == 0 {
			continue
		}
		admitted = append(admitted, items...)

		res, err := p.encoder.Encode(ctx, bundleType, items, EncodeOptions{
			Signer:        opts.Signer,
			MaxFeePerGas:  opts.MaxFeePerGas,
			MinBundleSize: opts.minBundleSize(bundleType),
		})
		if err != nil {
			p.log.Error("Failed to encode bundle items", zap.String("bundleType", string(bundleType)), zap.Int("items", len(items)), zap.Error(err))
			continue
		}
		result.merge(res)
	}
	return result, admitted
}

// selectCandidates applies the fee filter and the conflict filters in first-seen order
func (p *BundlePool) selectCandidates(feeCeilingGwei float64) map[BundleType][]BundleItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make(map[BundleType][]BundleItem, len(p.items))
	for _, bundleType := range BundleTypes {
		entries := make([]*poolEntry, 0, len(p.items[bundleType]))
		for id, entry := range p.items[bundleType] {
			if _, busy := p.inFlight[id]; busy {
				continue
			}
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].seq < entries[j].seq
		})

		items := make([]BundleItem, 0, len(entries))
		for _, entry := range entries {
			items = append(items, entry.item)
		}
		items = filterByFee(items, feeCeilingGwei)
		items = filterByOwnerToken(items)
		items = filterByOrderID(items)

		for _, item := range items {
			p.inFlight[item.Base().ID] = struct{}{}
		}
		if deferred := len(entries) - len(items); deferred > 0 {
			p.log.Debug("Deferred bundle items", zap.String("bundleType", string(bundleType)), zap.Int("deferred", deferred))
		}
		candidates[bundleType] = items
	}
	return candidates
}

// filterByFee drops items whose max gas price is below the fee ceiling of the cycle
func filterByFee(items []BundleItem, feeCeilingGwei float64) []BundleItem {
	res := items[:0:0]
	for _, item := range items {
		max := item.Base().MaxGasPriceGwei
		if max != nil && *max < feeCeilingGwei {
			continue
		}
		res = append(res, item)
	}
	return res
}

// filterByOwnerToken keeps the first item claiming every collection:tokenId:owner
func filterByOwnerToken(items []BundleItem) []BundleItem {
	seen := make(map[string]struct{})
	res := items[:0:0]
	for _, item := range items {
		keys := OwnerTokenKeys(item)
		if anySeen(seen, keys) {
			continue
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
		res = append(res, item)
	}
	return res
}

// filterByOrderID keeps the first item using every order hash
func filterByOrderID(items []BundleItem) []BundleItem {
	seen := make(map[string]struct{})
	res := items[:0:0]
	for _, item := range items {
		hashes := item.OrderHashes()
		keys := make([]string, 0, len(hashes))
		for _, h := range hashes {
			keys = append(keys, h.Hex())
		}
		if anySeen(seen, keys) {
			continue
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
		res = append(res, item)
	}
	return res
}

func anySeen(seen map[string]struct{}, keys []string) bool {
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			return true
		}
	}
	return false
}
