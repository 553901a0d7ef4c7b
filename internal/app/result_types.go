package app

import (
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

// MaterialResult is a raw material with its cost rounded for display.
// Material.UnitCost keeps full precision.
type MaterialResult struct {
	Material    core.RawMaterial `json:"material"`
	DisplayCost decimal.Decimal  `json:"display_cost"`
}

// MaterialListResult is returned by ListMaterials.
type MaterialListResult struct {
	Materials []MaterialResult `json:"materials"`
}

// DeleteResult reports whether a material was removed or only deactivated.
type DeleteResult struct {
	MaterialID  int64 `json:"material_id"`
	Deleted     bool  `json:"deleted"`
	Deactivated bool  `json:"deactivated"`
}

// MovementListResult is returned by ListMovements.
type MovementListResult struct {
	Subject   core.SubjectType `json:"subject"`
	SubjectID int64            `json:"subject_id"`
	Movements []core.Movement  `json:"movements"`
}

// LedgerCheckResult is returned by VerifyLedger.
type LedgerCheckResult struct {
	Checked      int                `json:"checked"`
	Inconsistent []core.StockReplay `json:"inconsistent"`
}

// OK is true when every material's stock equals the net of its movements.
func (r *LedgerCheckResult) OK() bool {
	return len(r.Inconsistent) == 0
}

// ComponentCostResult is returned by ComponentCost.
type ComponentCostResult struct {
	Cost        core.ComponentCost `json:"cost"`
	DisplayCost decimal.Decimal    `json:"display_cost"`
}

// ProductCostResult is returned by ProductCost.
type ProductCostResult struct {
	Cost        core.ProductCost `json:"cost"`
	DisplayCost decimal.Decimal  `json:"display_cost"`
}

// AvailabilityResult is returned by ComponentAvailability and ProductAvailability.
type AvailabilityResult struct {
	Subject   string `json:"subject"`
	ID        int64  `json:"id"`
	Available int64  `json:"available"`
}
