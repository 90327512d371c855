package dvm

import (
	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/internal/job"
)

// PricingMode selects how a provider prices incoming jobs.
type PricingMode string

const (
	// PricingFixed charges a flat amount per job.
	PricingFixed PricingMode = "fixed"
	// PricingBid accepts the consumer's bid when it clears a minimum.
	PricingBid PricingMode = "bid"
)

// PricingPolicy is the provider's pricing configuration.
type PricingPolicy struct {
	Mode            PricingMode `yaml:"mode"`
	FixedPriceMsats uint64      `yaml:"fixedPriceMsats"`
	MinBidMsats     uint64      `yaml:"minBidMsats"`
	// Upfront demands payment before processing starts.
	Upfront bool `yaml:"upfront"`
}

// Price validates the request against the policy and returns the amount to
// charge in millisats.
func (p PricingPolicy) Price(req *job.Request) (uint64, error) {
	switch p.Mode {
	case PricingFixed, "":
		return p.FixedPriceMsats, nil
	case PricingBid:
		if req.BidMsats < p.MinBidMsats {
			return 0, errors.Validationf("bid %d below minimum %d", req.BidMsats, p.MinBidMsats)
		}
		return req.BidMsats, nil
	default:
		return 0, errors.Validationf("unknown pricing mode %q", p.Mode)
	}
}
