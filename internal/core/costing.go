package core

import (
	"time"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Settings holds the policy values the calculators need. Nothing in the core
// assumes a margin or a fallback on its own; it all comes from here.
type Settings struct {
	// DefaultMargin is applied when a product has no usable previous cost to infer a margin from.
	DefaultMargin decimal.Decimal
	// CurrencyPlaces is the rounding precision for surfaced prices and costs.
	CurrencyPlaces int32
	// LegacyFallback enables pricing un-composed components from the latest
	// purchase of a same-named raw material.
	LegacyFallback bool
	// MaxConflictRetries bounds how often a ledger transaction is retried after
	// a serialization failure, deadlock or lock timeout.
	MaxConflictRetries int
	// TxTimeout bounds a single unit of work; zero means no timeout.
	TxTimeout time.Duration
	// CascadeParallelism bounds concurrent product repricings in one cascade.
	CascadeParallelism int
	// Clock stamps movements and price history rows.
	Clock func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		DefaultMargin:      decimal.RequireFromString("0.30"),
		CurrencyPlaces:     2,
		LegacyFallback:     true,
		MaxConflictRetries: 3,
		TxTimeout:          5 * time.Second,
		CascadeParallelism: 4,
		Clock:              time.Now,
	}
}

func (s Settings) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

// WeightedAverage returns the moving-average unit cost after receiving qty units
// at price into oldStock units valued at oldCost:
//
//	new_cost = (old_stock*old_cost + qty*price) / (old_stock + qty)
//
// Receiving into empty stock yields price exactly. No rounding is applied.
func WeightedAverage(oldStock int64, oldCost decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	newStock := oldStock + qty
	if oldStock <= 0 || newStock <= 0 {
		return price
	}
	total := decimal.NewFromInt(oldStock).Mul(oldCost).Add(decimal.NewFromInt(qty).Mul(price))
	return total.Div(decimal.NewFromInt(newStock))
}

// ReverseWeightedAverage removes a previously received line (qty at price) from
// the running average. Once later receipts have compounded on top of the line
// this is an approximation, not an exact undo: the result is clamped at zero,
// and when stock returns to zero the current cost is kept.
func ReverseWeightedAverage(stock int64, cost decimal.Decimal, qty int64, price decimal.Decimal) (int64, decimal.Decimal, error) {
	newStock := stock - qty
	if newStock < 0 {
		return stock, cost, ErrInsufficientStock
	}
	if newStock == 0 {
		return 0, cost, nil
	}
	remaining := decimal.NewFromInt(stock).Mul(cost).Sub(decimal.NewFromInt(qty).Mul(price))
	newCost := remaining.Div(decimal.NewFromInt(newStock))
	if newCost.IsNegative() {
		newCost = decimal.Zero
	}
	return newStock, newCost, nil
}

// QuantityWithWaste = quantity × conversion × (1 + waste).
func QuantityWithWaste(quantity, conversion, waste decimal.Decimal) decimal.Decimal {
	return quantity.Mul(conversion).Mul(one.Add(waste))
}

// UnitsProducible is floor(stock / perUnit): how many units a single material
// can supply. Non-positive consumption cannot be produced from.
func UnitsProducible(stock int64, perUnit decimal.Decimal) int64 {
	if !perUnit.IsPositive() || stock <= 0 {
		return 0
	}
	s := decimal.NewFromInt(stock)
	n := s.Div(perUnit).Floor()
	// Div rounds at DivisionPrecision; step back if that pushed us past the stock.
	for n.IsPositive() && n.Mul(perUnit).GreaterThan(s) {
		n = n.Sub(one)
	}
	return n.IntPart()
}

// ConsumptionUnits is the whole number of material units drawn when producing
// qty units at perUnit each. Fractional remainders are floored.
func ConsumptionUnits(perUnit decimal.Decimal, qty int64) int64 {
	return perUnit.Mul(decimal.NewFromInt(qty)).Floor().IntPart()
}

// InferMargin recovers the margin implied by a stored price over the cost it
// was set against. Without a positive price and cost it returns the fallback.
func InferMargin(price, cost, fallback decimal.Decimal) decimal.Decimal {
	if !cost.IsPositive() || !price.IsPositive() {
		return fallback
	}
	return price.Sub(cost).Div(cost)
}

// RepricingMargin picks the margin a repricing applies: the explicit one when
// given, else the exact margin stored at the last pricing, else the margin the
// stored price implies over costBefore. The stored margin is preferred so the
// rounding of stored prices never feeds back into later repricings.
func RepricingMargin(explicit *decimal.Decimal, stored decimal.NullDecimal, price, costBefore, fallback decimal.Decimal) decimal.Decimal {
	switch {
	case explicit != nil:
		return *explicit
	case stored.Valid:
		return stored.Decimal
	default:
		return InferMargin(price, costBefore, fallback)
	}
}

// CostBaseline maps material ids to their unit cost before the change being
// cascaded. Materials not in the map are read at their current cost.
type CostBaseline map[int64]decimal.Decimal

// BaselineOf collects the pre-change cost of every material in outcomes.
func BaselineOf(outcomes ...PurchaseOutcome) CostBaseline {
	b := make(CostBaseline, len(outcomes))
	for _, o := range outcomes {
		b[o.MaterialID] = o.PreviousCost
	}
	return b
}

// ApplyMargin = cost × (1 + margin).
func ApplyMargin(cost, margin decimal.Decimal) decimal.Decimal {
	return cost.Mul(one.Add(margin))
}

func validateMargin(margin decimal.Decimal) error {
	if margin.LessThanOrEqual(one.Neg()) {
		return invalidArgument("margin must be greater than -1, got %s", margin)
	}
	return nil
}

// RoundCurrency rounds a monetary amount for display or storage as a price.
func RoundCurrency(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}
