package finops

import (
	"github.com/shopspring/decimal"

	"github.com/oumi-ai/banto/internal/model"
)

// distribute splits amount across buckets proportionally to weights, rounding
// each share to monetary scale. Every bucket but the last receives its rounded
// share; the last receives the amount minus what was already distributed, so
// the shares always reconstruct the amount exactly. When all weights are zero
// the split is equal. Callers must pass buckets in a fixed, deterministic
// order: the last bucket absorbs the rounding remainder.
func distribute(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	n := len(weights)
	shares := make([]decimal.Decimal, n)
	if n == 0 {
		return shares
	}

	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}

	distributed := decimal.Zero
	for i := 0; i < n-1; i++ {
		var share decimal.Decimal
		if total.IsZero() {
			share = model.RoundMoney(amount.Div(decimal.NewFromInt(int64(n))))
		} else {
			share = model.RoundMoney(amount.Mul(weights[i]).Div(total))
		}
		shares[i] = share
		distributed = distributed.Add(share)
	}
	shares[n-1] = amount.Sub(distributed)
	return shares
}

// prorateSubscription returns the portion of a subscription's amount that
// falls inside the allocation window: amount * overlap_seconds / own_seconds.
func prorateSubscription(sub model.SubscriptionCost, period model.Period) decimal.Decimal {
	start := sub.Window.Start
	if period.Start.After(start) {
		start = period.Start
	}
	end := sub.Window.End
	if period.End.Before(end) {
		end = period.End
	}
	overlap := end.Sub(start).Seconds()
	if overlap <= 0 {
		return decimal.Zero
	}
	total := sub.Window.Seconds()
	if total <= 0 {
		return decimal.Zero
	}
	ratio := decimal.NewFromFloat(overlap).Div(decimal.NewFromFloat(total))
	return model.RoundMoney(sub.Amount.Mul(ratio))
}
