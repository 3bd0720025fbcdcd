package model

import "github.com/shopspring/decimal"

// SigningDomain is the EIP-712 domain (name, version) an EIP-3009 token
// expects. Absent for networks that sign native transactions instead.
type SigningDomain struct {
	Name    string `mapstructure:"name" json:"name"`
	Version string `mapstructure:"version" json:"version"`
}

// Asset identifies the token a route is priced in.
type Asset struct {
	Address  string         `mapstructure:"address" json:"address"`
	Decimals int            `mapstructure:"decimals" json:"decimals"`
	EIP712   *SigningDomain `mapstructure:"eip712" json:"eip712,omitempty"`
}

// FlatPrice is a fiat-equivalent price ("$0.001") converted to an atomic
// token amount by the price oracle at quote time.
type FlatPrice struct {
	Currency string
	Amount   decimal.Decimal
}

// AtomicPrice is an exact pre-scaled token amount.
type AtomicPrice struct {
	Amount string
	Asset  Asset
}

// PricingRule binds a route pattern to one of the two price variants.
// Exactly one of Flat or Atomic is set; this is enforced at config load.
type PricingRule struct {
	Pattern           string
	Flat              *FlatPrice
	Atomic            *AtomicPrice
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}
