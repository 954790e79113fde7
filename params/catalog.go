package params

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// DefaultUSDC is the token collateral of the built-in catalog
var DefaultUSDC = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

// AssetEntry is a collateral asset as written in YAML
// MinOrderSize is a decimal in whole units ("0.1" ETH, "100" USDC)
type AssetEntry struct {
	Address      string `yaml:"address"` // empty for the native coin
	Symbol       string `yaml:"symbol"`
	Decimals     int32  `yaml:"decimals"`
	MinOrderSize string `yaml:"minOrderSize"`
	FeedID       string `yaml:"feedId"`
}

// Catalog is the tradable universe: markets and accepted collateral
type Catalog struct {
	Markets []market.Market `yaml:"markets"`
	Assets  []AssetEntry    `yaml:"assets"`
}

// DefaultCatalog returns ETH-USD, BTC-USD, EUR-USD and XAU-USD with ETH and USDC collateral
func DefaultCatalog() Catalog {
	return Catalog{
		Markets: market.Defaults(),
		Assets: []AssetEntry{
			{Symbol: "ETH", Decimals: 18, MinOrderSize: "0.1"},
			{Address: DefaultUSDC.Hex(), Symbol: "USDC", Decimals: 6, MinOrderSize: "100"},
		},
	}
}

// LoadCatalog reads a YAML catalog; an empty path yields DefaultCatalog
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(c.Markets) == 0 {
		return Catalog{}, fmt.Errorf("catalog %s: no markets", path)
	}
	if len(c.Assets) == 0 {
		c.Assets = DefaultCatalog().Assets
	}
	return c, nil
}

// AssetList converts the YAML entries into validated assets
func (c Catalog) AssetList() ([]asset.Asset, error) {
	out := make([]asset.Asset, 0, len(c.Assets))
	for _, e := range c.Assets {
		addr := asset.Native
		if e.Address != "" {
			if !common.IsHexAddress(e.Address) {
				return nil, fmt.Errorf("asset %s: invalid address %q", e.Symbol, e.Address)
			}
			addr = common.HexToAddress(e.Address)
		}
		a := asset.Asset{Address: addr, Symbol: e.Symbol, Decimals: e.Decimals, FeedID: e.FeedID}
		if e.MinOrderSize != "" {
			size, err := util.ToUnits(e.MinOrderSize, e.Decimals)
			if err != nil {
				return nil, fmt.Errorf("asset %s: min order size: %w", e.Symbol, err)
			}
			a.MinOrderSize = size
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("asset %s: %w", e.Symbol, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Register fills both registries; it fails on the first invalid entry
func (c Catalog) Register(markets *market.Registry, assets *asset.Registry) error {
	for _, m := range c.Markets {
		if err := markets.Register(m); err != nil {
			return fmt.Errorf("market %s: %w", m.Symbol, err)
		}
	}
	list, err := c.AssetList()
	if err != nil {
		return err
	}
	for _, a := range list {
		if err := assets.Register(a); err != nil {
			return fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
	}
	return nil
}
