package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChartOfAccounts names the ledger accounts the posting code writes to.
// Account codes follow the IFRS-lite profile.
type ChartOfAccounts struct {
	Cash               string
	AccountsReceivable string
	Inventory          string
	AccountsPayable    string
	PayrollPayable     string
	Revenue            string
	COGS               string
	PayrollExpense     string
	ServiceClearing    string
}

// DefaultChartOfAccounts returns the IFRS-lite account codes.
func DefaultChartOfAccounts() ChartOfAccounts {
	return ChartOfAccounts{
		Cash:               "1000",
		AccountsReceivable: "1100",
		Inventory:          "1300",
		AccountsPayable:    "2100",
		PayrollPayable:     "2200",
		Revenue:            "4000",
		COGS:               "5000",
		PayrollExpense:     "6000",
		ServiceClearing:    "2100",
	}
}

// JournalLine is one side of a double-entry posting. Append-only; every
// atomically committed batch satisfies sum(debit) == sum(credit).
// PeriodStart/PeriodEnd tag lines derived by the cost allocation engine so a
// re-run for the same period can supersede them.
type JournalLine struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	Account     string          `json:"account"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Memo        string          `json:"memo"`
	PeriodStart *time.Time      `json:"period_start,omitempty"`
	PeriodEnd   *time.Time      `json:"period_end,omitempty"`
	PostedAt    time.Time       `json:"posted_at"`
}

// BalanceJournalLines returns the debit and credit totals of a batch.
func BalanceJournalLines(lines []JournalLine) (debits, credits decimal.Decimal) {
	for _, l := range lines {
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	return debits, credits
}
