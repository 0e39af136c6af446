package broadcaster

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidChainConfig = errors.New("invalid chain config")
	ErrMissingKey         = errors.New("private key env variable is not set")
)

type ChainsConfig struct {
	Chains []ChainConfig `yaml:"chains"`
}

// ChainConfig is the config of one broadcaster, unset execution settings take their defaults
type ChainConfig struct {
	ChainID        uint64         `yaml:"chainId"`
	RPC            string         `yaml:"rpc"`
	Relay          string         `yaml:"relay"`
	Exchange       common.Address `yaml:"exchange"`
	RefundCurrency common.Address `yaml:"refundCurrency"`
	// SignerKeyEnv and AuthKeyEnv name the env variables holding the hex private keys
	SignerKeyEnv      string  `yaml:"signerKeyEnv"`
	AuthKeyEnv        string  `yaml:"authKeyEnv"`
	RPCCallsPerSecond float64 `yaml:"rpcCallsPerSecond"`
	Disabled          bool    `yaml:"disabled"`

	ExecutionSettings `yaml:",inline"`
}

func (c *ChainConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ChainConfig
	raw := plain{ExecutionSettings: DefaultExecutionSettings()}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MinBundleSize == nil {
		raw.MinBundleSize = make(map[BundleType]int)
	}
	*c = ChainConfig(raw)
	return nil
}

func (c *ChainConfig) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chainId is required", ErrInvalidChainConfig)
	}
	if c.RPC == "" {
		return fmt.Errorf("%w: chain %d: rpc is required", ErrInvalidChainConfig, c.ChainID)
	}
	if c.Relay == "" {
		return fmt.Errorf("%w: chain %d: relay is required", ErrInvalidChainConfig, c.ChainID)
	}
	if c.Exchange == (common.Address{}) {
		return fmt.Errorf("%w: chain %d: exchange is required", ErrInvalidChainConfig, c.ChainID)
	}
	if c.RefundCurrency == (common.Address{}) {
		return fmt.Errorf("%w: chain %d: refundCurrency is required", ErrInvalidChainConfig, c.ChainID)
	}
	for bundleType, size := range c.MinBundleSize {
		if !bundleType.Valid() {
			return fmt.Errorf("%w: chain %d: %w %q", ErrInvalidChainConfig, c.ChainID, ErrUnknownBundleType, bundleType)
		}
		if size < 0 {
			return fmt.Errorf("%w: chain %d: negative minBundleSize for %s", ErrInvalidChainConfig, c.ChainID, bundleType)
		}
	}
	return nil
}

func (c *ChainConfig) SignerKey() (*ecdsa.PrivateKey, error) {
	return keyFromEnv(c.SignerKeyEnv)
}

func (c *ChainConfig) AuthKey() (*ecdsa.PrivateKey, error) {
	return keyFromEnv(c.AuthKeyEnv)
}

func keyFromEnv(name string) (*ecdsa.PrivateKey, error) {
	value := os.Getenv(name)
	if name == "" || value == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, name)
	}
	return crypto.HexToECDSA(strings.TrimPrefix(value, "0x"))
}

// LoadChainsConfig parses the chains config from a file, disabled chains are skipped
func LoadChainsConfig(file string) ([]ChainConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseChainsConfig(data)
}

func ParseChainsConfig(data []byte) ([]ChainConfig, error) {
	var config ChainsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	seen := make(map[uint64]struct{})
	chains := make([]ChainConfig, 0, len(config.Chains))
	for _, chain := range config.Chains {
		if chain.Disabled {
			continue
		}
		if err := chain.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[chain.ChainID]; ok {
			return nil, fmt.Errorf("%w: duplicate chain %d", ErrInvalidChainConfig, chain.ChainID)
		}
		seen[chain.ChainID] = struct{}{}
		chains = append(chains, chain)
	}
	return chains, nil
}
