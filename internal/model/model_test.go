package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		raw  string
		want TransactionType
		ok   bool
	}{
		{"PRODUCT", TransactionTypeProduct, true},
		{"product", TransactionTypeProduct, true},
		{"  Service \n", TransactionTypeService, true},
		{"GOODS", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseTransactionType(tt.raw)
		if tt.ok {
			require.NoError(t, err, "raw %q", tt.raw)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, "raw %q", tt.raw)
		}
	}
}

func TestOrderRevenue(t *testing.T) {
	o := Order{Quantity: d("2"), UnitPrice: d("50.00")}
	assert.True(t, o.Revenue().Equal(d("100.00")))

	// Rounded to monetary scale.
	o = Order{Quantity: d("3"), UnitPrice: d("33.33333")}
	assert.True(t, o.Revenue().Equal(d("100.0000")), "revenue %s", o.Revenue())
}

func TestInventoryReceiveRecomputesWeightedAverage(t *testing.T) {
	p := InventoryPosition{ItemCode: "WIDGET-1", OnHand: decimal.Zero, AvgCost: decimal.Zero}

	p.Receive(d("10"), d("20.00"))
	assert.True(t, p.OnHand.Equal(d("10")))
	assert.True(t, p.AvgCost.Equal(d("20.00")))

	// (10*20 + 5*32) / 15 = 24.
	p.Receive(d("5"), d("32.00"))
	assert.True(t, p.OnHand.Equal(d("15")))
	assert.True(t, p.AvgCost.Equal(d("24")), "avg_cost %s", p.AvgCost)
}

func TestInventoryIssueAtAverageCost(t *testing.T) {
	p := InventoryPosition{OnHand: d("15"), AvgCost: d("24.00")}

	cogs := p.Issue(d("6"))
	assert.True(t, cogs.Equal(d("144.00")), "cogs %s", cogs)
	assert.True(t, p.OnHand.Equal(d("9")))
	// Issues never move the average.
	assert.True(t, p.AvgCost.Equal(d("24.00")))
}

func TestInventoryOnHandMatchesMovementSum(t *testing.T) {
	p := InventoryPosition{OnHand: decimal.Zero, AvgCost: decimal.Zero}
	signed := decimal.Zero

	steps := []struct {
		receive  bool
		quantity string
		unitCost string
	}{
		{true, "4", "10.00"},
		{false, "1", ""},
		{true, "2", "13.00"},
		{false, "3", ""},
		{false, "2", ""},
	}
	for _, s := range steps {
		q := d(s.quantity)
		if s.receive {
			p.Receive(q, d(s.unitCost))
			signed = signed.Add(q)
		} else {
			p.Issue(q)
			signed = signed.Sub(q)
		}
	}
	assert.True(t, p.OnHand.Equal(signed), "on_hand %s signed %s", p.OnHand, signed)
	assert.False(t, p.OnHand.IsNegative())
}

func TestBalanceJournalLines(t *testing.T) {
	lines := []JournalLine{
		{Account: "1100", Debit: d("100.00")},
		{Account: "4000", Credit: d("100.00")},
		{Account: "5000", Debit: d("60.00")},
		{Account: "1300", Credit: d("60.00")},
	}
	debits, credits := BalanceJournalLines(lines)
	assert.True(t, debits.Equal(d("160.00")))
	assert.True(t, debits.Equal(credits))
}

func TestPeriodSeconds(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := Period{Start: start, End: start.Add(48 * time.Hour)}
	assert.Equal(t, float64(48*3600), p.Seconds())
}

func TestRoundMoney(t *testing.T) {
	assert.True(t, RoundMoney(d("10.00005")).Equal(d("10.0001")))
	assert.True(t, RoundMoney(d("10.00004")).Equal(d("10")))
}
