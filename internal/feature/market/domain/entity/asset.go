// Package entity defines the domain models for the market feature.
package entity

// AssetGroup classifies instruments by venue asset class.
type AssetGroup string

const (
	GroupSynthetic AssetGroup = "synthetic"
	GroupForex     AssetGroup = "forex"
	GroupCrypto    AssetGroup = "crypto"
)

// Asset is one tradable instrument from the static catalog.
// Assets are immutable once registered at startup.
type Asset struct {
	Symbol string     // Venue symbol code (e.g. "R_100", "frxEURUSD")
	Name   string     // Display name
	Group  AssetGroup // Asset class tag
}

// Catalog is the static set of supported assets, keyed by group.
type Catalog struct {
	assets   []Asset
	bySymbol map[string]Asset
	byGroup  map[AssetGroup][]Asset
}

// NewCatalog builds a catalog from a fixed asset list.
func NewCatalog(assets []Asset) *Catalog {
	c := &Catalog{
		assets:   assets,
		bySymbol: make(map[string]Asset, len(assets)),
		byGroup:  make(map[AssetGroup][]Asset),
	}
	for _, a := range assets {
		c.bySymbol[a.Symbol] = a
		c.byGroup[a.Group] = append(c.byGroup[a.Group], a)
	}
	return c
}

// DefaultCatalog returns the built-in asset catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Asset{
		{Symbol: "R_10", Name: "Volatility 10 Index", Group: GroupSynthetic},
		{Symbol: "R_25", Name: "Volatility 25 Index", Group: GroupSynthetic},
		{Symbol: "R_50", Name: "Volatility 50 Index", Group: GroupSynthetic},
		{Symbol: "R_75", Name: "Volatility 75 Index", Group: GroupSynthetic},
		{Symbol: "R_100", Name: "Volatility 100 Index", Group: GroupSynthetic},
		{Symbol: "frxEURUSD", Name: "EUR/USD", Group: GroupForex},
		{Symbol: "frxGBPUSD", Name: "GBP/USD", Group: GroupForex},
		{Symbol: "frxUSDJPY", Name: "USD/JPY", Group: GroupForex},
		{Symbol: "cryBTCUSD", Name: "BTC/USD", Group: GroupCrypto},
		{Symbol: "cryETHUSD", Name: "ETH/USD", Group: GroupCrypto},
	})
}

// Lookup returns the asset for symbol, if registered.
func (c *Catalog) Lookup(symbol string) (Asset, bool) {
	a, ok := c.bySymbol[symbol]
	return a, ok
}

// Group returns the assets belonging to group in registration order.
func (c *Catalog) Group(group AssetGroup) []Asset {
	return c.byGroup[group]
}

// GroupSymbols returns just the symbol codes of a group.
func (c *Catalog) GroupSymbols(group AssetGroup) []string {
	assets := c.byGroup[group]
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	return symbols
}

// Groups returns all groups present in the catalog with their symbols.
func (c *Catalog) Groups() map[AssetGroup][]string {
	out := make(map[AssetGroup][]string, len(c.byGroup))
	for g := range c.byGroup {
		out[g] = c.GroupSymbols(g)
	}
	return out
}
