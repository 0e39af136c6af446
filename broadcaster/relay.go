package broadcaster

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/nft-match-broadcaster/metrics"
	"github.com/ybbus/jsonrpc/v3"
)

const (
	CallBundleEndpointName = "eth_callBundle"
	SendBundleEndpointName = "eth_sendBundle"

	FlashbotsSignatureHeader = "X-Flashbots-Signature"
)

var relayRequestTimeout = 12 * time.Second

type CallBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
}

type CallBundleTxResult struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

func (r *CallBundleTxResult) Reverted() bool {
	return r.Error != "" || r.Revert != ""
}

type CallBundleResponse struct {
	BundleHash   common.Hash          `json:"bundleHash"`
	CoinbaseDiff string               `json:"coinbaseDiff"`
	TotalGasUsed uint64               `json:"totalGasUsed"`
	Results      []CallBundleTxResult `json:"results"`
}

// GasPrice returns the effective gas price of the bundle: coinbaseDiff / totalGasUsed
func (r *CallBundleResponse) GasPrice() *big.Int {
	diff, ok := new(big.Int).SetString(r.CoinbaseDiff, 10)
	if !ok || r.TotalGasUsed == 0 {
		return new(big.Int)
	}
	return diff.Div(diff, new(big.Int).SetUint64(r.TotalGasUsed))
}

type SendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp      uint64          `json:"minTimestamp,omitempty"`
	MaxTimestamp      uint64          `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

// Relay is a private bundle relay
type Relay interface {
	SimulateBundle(ctx context.Context, args *CallBundleArgs) (*CallBundleResponse, error)
	SendBundle(ctx context.Context, args *SendBundleArgs) (*SendBundleResponse, error)
}

// FlashbotsRelay talks to a flashbots compatible relay, every request is signed with the auth key
type FlashbotsRelay struct {
	url    string
	client jsonrpc.RPCClient
}

func NewFlashbotsRelay(url string, authKey *ecdsa.PrivateKey) *FlashbotsRelay {
	httpClient := &http.Client{
		Timeout:   relayRequestTimeout,
		Transport: &signingTransport{key: authKey, base: http.DefaultTransport},
	}
	return &FlashbotsRelay{
		url:    url,
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: httpClient}),
	}
}

func (r *FlashbotsRelay) String() string {
	return r.url
}

func (r *FlashbotsRelay) SimulateBundle(ctx context.Context, args *CallBundleArgs) (*CallBundleResponse, error) {
	var result CallBundleResponse
	if err := r.call(ctx, &result, CallBundleEndpointName, args); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *FlashbotsRelay) SendBundle(ctx context.Context, args *SendBundleArgs) (*SendBundleResponse, error) {
	var result SendBundleResponse
	if err := r.call(ctx, &result, SendBundleEndpointName, args); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *FlashbotsRelay) call(ctx context.Context, result interface{}, method string, args interface{}) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayCallDuration(method, time.Since(startAt).Milliseconds())
	}()

	res, err := r.client.Call(ctx, method, []interface{}{args})
	if res != nil && res.Error != nil {
		return &RelayError{Code: res.Error.Code, Message: res.Error.Message}
	}
	if err != nil {
		var httpErr *jsonrpc.HTTPError
		if errors.As(err, &httpErr) {
			return &RelayError{Code: httpErr.Code, Message: httpErr.Error()}
		}
		return err
	}
	if res == nil || res.Result == nil {
		return ErrEmptyRelayResponse
	}
	return res.GetObject(result)
}

// signingTransport sets the flashbots signature header: <address>:<signature of keccak(body)>
type signingTransport struct {
	key  *ecdsa.PrivateKey
	base http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	signature, err := FlashbotsSignature(body, t.key)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(FlashbotsSignatureHeader, signature)
	return t.base.RoundTrip(signed)
}

// FlashbotsSignature signs the hex encoded keccak hash of the body as a personal message
func FlashbotsSignature(body []byte, key *ecdsa.PrivateKey) (string, error) {
	hash := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hash)), key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}
