package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawMaterial is a purchasable input whose stock and weighted-average unit cost
// are maintained by the ledger. UnitCost is stored at full precision; round it
// with RoundCurrency only when surfacing it.
type RawMaterial struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Stock     int64           `json:"stock"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SubjectType identifies what a movement row is about.
type SubjectType string

const (
	SubjectMaterial  SubjectType = "material"
	SubjectComponent SubjectType = "component"
)

type MovementDirection string

const (
	DirectionIn  MovementDirection = "in"
	DirectionOut MovementDirection = "out"
)

type MovementKind string

const (
	MovementPurchase         MovementKind = "purchase"
	MovementPurchaseReversal MovementKind = "purchase_reversal"
	MovementConsumption      MovementKind = "consumption"
	// MovementComponentReport rows are reporting-only and never affect stock.
	MovementComponentReport MovementKind = "component_report"
)

// Movement is one append-only ledger history row.
type Movement struct {
	ID            int64             `json:"id"`
	SubjectType   SubjectType       `json:"subject_type"`
	SubjectID     int64             `json:"subject_id"`
	Direction     MovementDirection `json:"direction"`
	Kind          MovementKind      `json:"kind"`
	Quantity      int64             `json:"quantity"`
	UnitCost      decimal.Decimal   `json:"unit_cost"`
	TotalCost     decimal.Decimal   `json:"total_cost"`
	CorrelationID string            `json:"correlation_id"`
	Note          string            `json:"note"`
	CreatedAt     time.Time         `json:"created_at"`
}

// MovementRef ties a movement to the business document that caused it.
type MovementRef struct {
	CorrelationID string
	Note          string
}

// PurchaseOutcome reports a material's ledger state before and after one purchase line.
type PurchaseOutcome struct {
	MaterialID    int64           `json:"material_id"`
	PreviousStock int64           `json:"previous_stock"`
	PreviousCost  decimal.Decimal `json:"previous_cost"`
	NewStock      int64           `json:"new_stock"`
	NewCost       decimal.Decimal `json:"new_cost"`
}

// CostChanged reports whether the purchase moved the running average.
func (o PurchaseOutcome) CostChanged() bool {
	return !o.PreviousCost.Equal(o.NewCost)
}

// StockReplay compares a material's stored ledger state with the state obtained
// by replaying its movement log from zero.
type StockReplay struct {
	MaterialID    int64           `json:"material_id"`
	StoredStock   int64           `json:"stored_stock"`
	ReplayedStock int64           `json:"replayed_stock"`
	StoredCost    decimal.Decimal `json:"stored_cost"`
	ReplayedCost  decimal.Decimal `json:"replayed_cost"`
	Movements     int             `json:"movements"`
}

// Consistent is true when stored stock equals the net of the movement log.
// Cost is not part of the check: reversals make the replayed average approximate.
func (r StockReplay) Consistent() bool {
	return r.StoredStock == r.ReplayedStock
}
