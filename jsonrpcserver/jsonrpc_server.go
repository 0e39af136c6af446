// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods of an http.Handler
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
	CodeUnauthorized   = -32001
)

const (
	defaultMaxRequestBodySize = 1 << 20
	signatureHeader           = "X-Flashbots-Signature"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerNotAllowed = errors.New("signer is not allowed")
)

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// ErrorCode lets method errors choose the code of the response
func (e *JSONRPCError) ErrorCode() int {
	return e.Code
}

type Methods map[string]interface{}

type Opts struct {
	// AllowedSigners restricts the callers to requests signed by these addresses,
	// every caller is allowed when empty
	AllowedSigners     []common.Address
	MaxRequestBodySize int64
}

type Handler struct {
	log         *zap.Logger
	methods     map[string]methodHandler
	allowed     map[common.Address]struct{}
	maxBodySize int64
}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods, opts Opts) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := newMethodHandler(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	allowed := make(map[common.Address]struct{}, len(opts.AllowedSigners))
	for _, signer := range opts.AllowedSigners {
		allowed[signer] = struct{}{}
	}
	maxBodySize := opts.MaxRequestBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		log:         log.Named("jsonrpc"),
		methods:     m,
		allowed:     allowed,
		maxBodySize: maxBodySize,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		writeJSONRPCError(w, nil, CodeInvalidRequest, err.Error())
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	// id must be string or number
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	ctx := r.Context()
	if len(h.allowed) > 0 {
		signer, err := VerifySignature(r.Header.Get(signatureHeader), body)
		if err == nil {
			if _, ok := h.allowed[signer]; !ok {
				err = ErrSignerNotAllowed
			}
		}
		if err != nil {
			h.log.Debug("Rejected request", zap.String("method", req.Method), zap.Error(err))
			writeJSONRPCError(w, req.ID, CodeUnauthorized, err.Error())
			return
		}
		ctx = context.WithValue(ctx, signerKey{}, signer)
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := method.call(ctx, req.Params)
	if err != nil {
		code := CodeCustomError
		var coded interface{ ErrorCode() int }
		if errors.As(err, &coded) {
			code = coded.ErrorCode()
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// VerifySignature recovers the signer of a flashbots style signature header, address:signature
// where signature signs the hex keccak hash of the body
func VerifySignature(header string, body []byte) (common.Address, error) {
	if header == "" {
		return common.Address{}, ErrMissingSignature
	}
	split := strings.SplitN(header, ":", 2)
	if len(split) != 2 || !common.IsHexAddress(split[0]) {
		return common.Address{}, ErrInvalidSignature
	}
	claimed := common.HexToAddress(split[0])
	sig, err := hexutil.Decode(split[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash := accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, ErrInvalidSignature
	}
	return claimed, nil
}

// GetSigner returns the verified signer of the request, zero when signatures are not checked
func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}
