package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopline/cartledger/internal/models"
)

// CouponRule is the discount a coupon code grants.
type CouponRule struct {
	Code          string
	DiscountValue int64
	DiscountType  string
	ExpiresAt     *time.Time
}

// CouponLookup resolves a normalized coupon code to its rule. Implementations
// must be stateless; returning (nil, nil) means the code is unknown.
type CouponLookup interface {
	Lookup(ctx context.Context, code string) (*CouponRule, error)
}

// NormalizeCouponCode upper-cases and trims a code before lookup.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StaticCouponTable is an in-memory CouponLookup. Production deployments back
// this with a coupon store; the interface keeps it swappable.
type StaticCouponTable struct {
	rules map[string]CouponRule
}

// NewStaticCouponTable builds a table from the given rules, keyed by
// normalized code.
func NewStaticCouponTable(rules []CouponRule) *StaticCouponTable {
	t := &StaticCouponTable{rules: make(map[string]CouponRule, len(rules))}
	for _, r := range rules {
		r.Code = NormalizeCouponCode(r.Code)
		t.rules[r.Code] = r
	}
	return t
}

// DefaultCoupons returns the built-in promotional codes.
func DefaultCoupons() []CouponRule {
	return []CouponRule{
		{Code: "WELCOME10", DiscountValue: 10, DiscountType: models.DiscountTypePercentage},
		{Code: "SAVE20", DiscountValue: 2000, DiscountType: models.DiscountTypeFixed},
		{Code: "FREESHIP", DiscountValue: 500, DiscountType: models.DiscountTypeFixed},
	}
}

// Lookup implements CouponLookup.
func (t *StaticCouponTable) Lookup(_ context.Context, code string) (*CouponRule, error) {
	rule, ok := t.rules[NormalizeCouponCode(code)]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

// ValidateRule checks a looked-up rule against the clock. A nil rule or a
// passed expiry is ErrInvalidCoupon.
func ValidateRule(rule *CouponRule, now time.Time) error {
	if rule == nil {
		return models.ErrInvalidCoupon
	}
	if rule.ExpiresAt != nil && !now.Before(*rule.ExpiresAt) {
		return models.ErrInvalidCoupon
	}
	return nil
}
