package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one network and the contracts deployed on it.
type ChainDefinition struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	Description     string `yaml:"description"`
	Escrow          string `yaml:"escrow"`
	UniversalRouter string `yaml:"universal_router"`
	Quoter          string `yaml:"quoter"`
	USDC            string `yaml:"usdc"`
	WETH            string `yaml:"weth"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions and validates every
// contract address they carry.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		for field, addr := range map[string]string{
			"escrow":           chain.Escrow,
			"universal_router": chain.UniversalRouter,
			"quoter":           chain.Quoter,
			"usdc":             chain.USDC,
			"weth":             chain.WETH,
		} {
			if addr != "" && !IsHexAddress(addr) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的 %s 地址无效: %s", name, field, addr)
			}
		}
	}
	return defs, nil
}

// Resolve returns the named chain, falling back to the configured default and
// then to the alphabetically first entry.
func (d ChainDefinitions) Resolve(name string) (string, ChainDefinition, error) {
	if len(d.Chains) == 0 {
		return "", ChainDefinition{}, fmt.Errorf("未配置任何链")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(d.Default)
	}
	if name == "" {
		names := make([]string, 0, len(d.Chains))
		for n := range d.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	chain, ok := d.Chains[name]
	if !ok {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return name, chain, nil
}

// Address parses a hex address, returning the zero address for blanks.
func Address(raw string) common.Address {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}
	}
	return common.HexToAddress(strings.TrimSpace(raw))
}
