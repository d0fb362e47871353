package escrow

import "github.com/shopspring/decimal"

// DefaultCurrency is applied when an order omits the currency.
const DefaultCurrency = "EUR"

var (
	serviceFeeRate       = decimal.RequireFromString("0.025")
	minimumServiceFee    = decimal.NewFromInt(25)
	dealerCommissionRate = decimal.RequireFromString("0.03")
)

// Fees is the platform share of a transaction amount.
type Fees struct {
	ServiceFee       decimal.Decimal
	DealerCommission decimal.Decimal
}

// ComputeFees applies the 2.5% service fee (minimum 25.00, never above the
// amount) and the 3% dealer commission when a dealer is involved.
func ComputeFees(amount decimal.Decimal, withDealer bool) Fees {
	fee := amount.Mul(serviceFeeRate).Round(2)
	if fee.LessThan(minimumServiceFee) {
		fee = minimumServiceFee
	}
	if fee.GreaterThan(amount) {
		fee = amount
	}
	commission := decimal.Zero
	if withDealer {
		commission = amount.Mul(dealerCommissionRate).Round(2)
	}
	return Fees{ServiceFee: fee, DealerCommission: commission}
}

// Split computes the release record amounts for the funds still held.
func (t *Transaction) Split() (gross, sellerNet decimal.Decimal) {
	gross = t.Amount
	if t.Refund != nil {
		gross = gross.Sub(t.Refund.Amount)
	}
	sellerNet = gross.Sub(t.ServiceFee).Sub(t.DealerCommission)
	if sellerNet.IsNegative() {
		sellerNet = decimal.Zero
	}
	return gross, sellerNet
}
