package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paygate-labs/paygate/internal/model"
	"github.com/shopspring/decimal"
)

// ErrUnavailable marks a price-oracle failure. Routes priced in flat fiat
// cannot be quoted without the oracle; the request fails 503-class, never
// silently free.
var ErrUnavailable = errors.New("pricing unavailable")

type compiledRule struct {
	rule     model.PricingRule
	prefix   string
	wildcard bool
}

// Resolver maps request paths to priced requirements. The match table is
// built once at startup and is read-only afterwards, so lookups need no
// synchronization.
type Resolver struct {
	rules        []compiledRule
	oracle       Oracle
	payTo        string
	network      string
	defaultAsset model.Asset
}

func NewResolver(rules []model.PricingRule, oracle Oracle, payTo, network string, defaultAsset model.Asset) (*Resolver, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]string)
	for _, rule := range rules {
		cr := compiledRule{rule: rule, prefix: rule.Pattern}
		if strings.HasSuffix(rule.Pattern, "/*") {
			cr.wildcard = true
			cr.prefix = strings.TrimSuffix(rule.Pattern, "/*")
		}
		key := fmt.Sprintf("%s|%v", cr.prefix, cr.wildcard)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("ambiguous route patterns %q and %q", prev, rule.Pattern)
		}
		seen[key] = rule.Pattern
		compiled = append(compiled, cr)
	}

	// Most specific first: longer prefix wins, exact beats wildcard at the
	// same length.
	sort.SliceStable(compiled, func(i, j int) bool {
		if len(compiled[i].prefix) != len(compiled[j].prefix) {
			return len(compiled[i].prefix) > len(compiled[j].prefix)
		}
		return !compiled[i].wildcard && compiled[j].wildcard
	})

	return &Resolver{
		rules:        compiled,
		oracle:       oracle,
		payTo:        payTo,
		network:      network,
		defaultAsset: defaultAsset,
	}, nil
}

// Match returns the pricing rule for a path, or nil for unpriced routes.
func (r *Resolver) Match(path string) *model.PricingRule {
	for i := range r.rules {
		cr := &r.rules[i]
		if cr.wildcard {
			if path == cr.prefix || strings.HasPrefix(path, cr.prefix+"/") {
				return &cr.rule
			}
			continue
		}
		if path == cr.prefix {
			return &cr.rule
		}
	}
	return nil
}

// Network returns the configured network identifier.
func (r *Resolver) Network() string { return r.network }

// Requirement quotes a rule into a concrete wire requirement. Flat prices
// go through the oracle here; the oracle's TTL cache pins the quote so the
// challenged amount and the verified amount agree within the TTL window.
func (r *Resolver) Requirement(ctx context.Context, rule *model.PricingRule, resource string) (*model.PaymentRequirements, error) {
	req := &model.PaymentRequirements{
		Scheme:            model.SchemeExact,
		Network:           r.network,
		Resource:          resource,
		Description:       rule.Description,
		MimeType:          rule.MimeType,
		PayTo:             r.payTo,
		MaxTimeoutSeconds: rule.MaxTimeoutSeconds,
	}

	asset := r.defaultAsset
	switch {
	case rule.Atomic != nil:
		asset = rule.Atomic.Asset
		req.MaxAmountRequired = rule.Atomic.Amount
	case rule.Flat != nil:
		amount, err := r.flatToAtomic(ctx, rule.Flat, asset)
		if err != nil {
			return nil, err
		}
		req.MaxAmountRequired = amount
	default:
		return nil, fmt.Errorf("rule %q has no price variant", rule.Pattern)
	}

	req.Asset = asset.Address
	if asset.EIP712 != nil {
		req.Extra = map[string]string{
			"name":    asset.EIP712.Name,
			"version": asset.EIP712.Version,
		}
	}
	return req, nil
}

// flatToAtomic converts a fiat amount into atomic token units, rounding up
// so the resource is never undercharged.
func (r *Resolver) flatToAtomic(ctx context.Context, flat *model.FlatPrice, asset model.Asset) (string, error) {
	spot, err := r.oracle.SpotPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if spot.Sign() <= 0 {
		return "", fmt.Errorf("%w: non-positive spot price %s", ErrUnavailable, spot)
	}
	atomic := flat.Amount.
		Div(spot).
		Shift(int32(asset.Decimals)).
		Ceil()
	if atomic.Sign() <= 0 {
		atomic = decimal.NewFromInt(1)
	}
	return atomic.String(), nil
}
