package broadcaster

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	tokenInfoComponents  = `[{"name":"tokenId","type":"uint256"},{"name":"numTokens","type":"uint256"}]`
	orderItemComponents  = `[{"name":"collection","type":"address"},{"name":"tokens","type":"tuple[]","components":` + tokenInfoComponents + `}]`
	makerOrderComponents = `[
		{"name":"isSellOrder","type":"bool"},
		{"name":"signer","type":"address"},
		{"name":"constraints","type":"uint256[]"},
		{"name":"nfts","type":"tuple[]","components":` + orderItemComponents + `},
		{"name":"execParams","type":"address[]"},
		{"name":"extraParams","type":"bytes"},
		{"name":"sig","type":"bytes"}
	]`
	verifyOutputs = `[{"name":"isValid","type":"bool"},{"name":"execPrice","type":"uint256"}]`

	exchangeABIJSON = `[
	{"type":"function","name":"matchOrders","stateMutability":"nonpayable","inputs":[
		{"name":"sells","type":"tuple[]","components":` + makerOrderComponents + `},
		{"name":"buys","type":"tuple[]","components":` + makerOrderComponents + `},
		{"name":"constructs","type":"tuple[][]","components":` + orderItemComponents + `}
	],"outputs":[]},
	{"type":"function","name":"matchOneToOneOrders","stateMutability":"nonpayable","inputs":[
		{"name":"makerOrders1","type":"tuple[]","components":` + makerOrderComponents + `},
		{"name":"makerOrders2","type":"tuple[]","components":` + makerOrderComponents + `}
	],"outputs":[]},
	{"type":"function","name":"matchOneToManyOrders","stateMutability":"nonpayable","inputs":[
		{"name":"makerOrders","type":"tuple[]","components":` + makerOrderComponents + `},
		{"name":"manyMakerOrders","type":"tuple[][]","components":` + makerOrderComponents + `}
	],"outputs":[]},
	{"type":"function","name":"verifyMatchOrders","stateMutability":"view","inputs":[
		{"name":"sellOrderHash","type":"bytes32"},
		{"name":"buyOrderHash","type":"bytes32"},
		{"name":"sell","type":"tuple","components":` + makerOrderComponents + `},
		{"name":"buy","type":"tuple","components":` + makerOrderComponents + `},
		{"name":"constructedNfts","type":"tuple[]","components":` + orderItemComponents + `}
	],"outputs":` + verifyOutputs + `},
	{"type":"function","name":"verifyMatchOneToOneOrders","stateMutability":"view","inputs":[
		{"name":"sellOrderHash","type":"bytes32"},
		{"name":"buyOrderHash","type":"bytes32"},
		{"name":"sell","type":"tuple","components":` + makerOrderComponents + `},
		{"name":"buy","type":"tuple","components":` + makerOrderComponents + `}
	],"outputs":` + verifyOutputs + `},
	{"type":"function","name":"verifyMatchOneToManyOrders","stateMutability":"view","inputs":[
		{"name":"orderHash","type":"bytes32"},
		{"name":"makerOrder","type":"tuple","components":` + makerOrderComponents + `},
		{"name":"manyMakerOrders","type":"tuple[]","components":` + makerOrderComponents + `}
	],"outputs":` + verifyOutputs + `},
	{"type":"event","name":"MatchOrderFulfilled","anonymous":false,"inputs":[
		{"name":"sellOrderHash","type":"bytes32","indexed":false},
		{"name":"buyOrderHash","type":"bytes32","indexed":false},
		{"name":"seller","type":"address","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"complication","type":"address","indexed":false},
		{"name":"currency","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nfts","type":"tuple[]","indexed":false,"components":` + orderItemComponents + `}
	]}
]`

	erc721ABIJSON = `[
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]}
]`

	erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`
)

var (
	ExchangeABI = mustParseABI(exchangeABIJSON)
	ERC721ABI   = mustParseABI(erc721ABIJSON)
	ERC20ABI    = mustParseABI(erc20ABIJSON)

	transferTopic            = ERC20ABI.Events["Transfer"].ID
	matchOrderFulfilledTopic = ExchangeABI.Events["MatchOrderFulfilled"].ID
)

// exchangeMethods maps a bundle type to its execution and verification methods
var exchangeMethods = map[BundleType]struct {
	match  string
	verify string
}{
	BundleTypeMatchOrders:          {match: "matchOrders", verify: "verifyMatchOrders"},
	BundleTypeMatchOrdersOneToOne:  {match: "matchOneToOneOrders", verify: "verifyMatchOneToOneOrders"},
	BundleTypeMatchOrdersOneToMany: {match: "matchOneToManyOrders", verify: "verifyMatchOneToManyOrders"},
}

func mustParseABI(data string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(data))
	if err != nil {
		panic(err)
	}
	return parsed
}

