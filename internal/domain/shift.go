package domain

import "github.com/shopspring/decimal"

// ExpectedCash is the drawer balance a shift should hold: opening float plus
// cash sales plus pay-ins minus pay-outs and drops.
func ExpectedCash(openingFloat decimal.Decimal, cashSales decimal.Decimal, ledger []CashTransaction) decimal.Decimal {
	expected := openingFloat.Add(cashSales)
	for _, ct := range ledger {
		expected = expected.Add(ct.Signed())
	}
	return expected
}

// Close settles the shift against the counted cash. The expected amount must
// already be recomputed from the full ledger.
func (w *WorkShift) Close(expected decimal.Decimal, actual decimal.Decimal) {
	variance := actual.Sub(expected)
	w.Status = ShiftClosed
	w.ExpectedCash = expected
	w.ActualCash = &actual
	w.Variance = &variance
}
