package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Component is an intermediate good built from raw materials.
type Component struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a finished, sellable good built from components. SalePrice is
// LastCost × (1 + Margin) rounded at the last pricing; it is not recomputed on
// read. Margin is unset for a product that has only its creation price.
type Product struct {
	ID        int64               `json:"id"`
	Name      string              `json:"name"`
	SalePrice decimal.Decimal     `json:"sale_price"`
	LastCost  decimal.Decimal     `json:"last_cost"`
	Margin    decimal.NullDecimal `json:"margin"`
	PricedAt  *time.Time          `json:"priced_at,omitempty"`
	IsActive  bool                `json:"is_active"`
	CreatedAt time.Time           `json:"created_at"`
}

// ComponentMaterialEdge says how much of a raw material one unit of a component consumes.
type ComponentMaterialEdge struct {
	ComponentID      int64           `json:"component_id"`
	MaterialID       int64           `json:"material_id"`
	QuantityNeeded   decimal.Decimal `json:"quantity_needed"`
	ConversionFactor decimal.Decimal `json:"conversion_factor"`
	WastePercentage  decimal.Decimal `json:"waste_percentage"`
	IsPrincipal      bool            `json:"is_principal"`
	IsActive         bool            `json:"is_active"`
}

// QuantityWithWaste is the material consumed per component unit including scrap.
func (e ComponentMaterialEdge) QuantityWithWaste() decimal.Decimal {
	return QuantityWithWaste(e.QuantityNeeded, e.ConversionFactor, e.WastePercentage)
}

func (e ComponentMaterialEdge) Validate() error {
	if !e.QuantityNeeded.IsPositive() {
		return invalidArgument("quantity needed must be positive, got %s", e.QuantityNeeded)
	}
	if !e.ConversionFactor.IsPositive() {
		return invalidArgument("conversion factor must be positive, got %s", e.ConversionFactor)
	}
	if e.WastePercentage.IsNegative() || e.WastePercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return invalidArgument("waste percentage must be in [0, 1), got %s", e.WastePercentage)
	}
	return nil
}

// ProductComponentEdge says how many units of a component one product unit needs.
type ProductComponentEdge struct {
	ProductID      int64           `json:"product_id"`
	ComponentID    int64           `json:"component_id"`
	QuantityNeeded decimal.Decimal `json:"quantity_needed"`
	IsActive       bool            `json:"is_active"`
}

func (e ProductComponentEdge) Validate() error {
	if !e.QuantityNeeded.IsPositive() {
		return invalidArgument("quantity needed must be positive, got %s", e.QuantityNeeded)
	}
	return nil
}

// CostLine is one material's contribution to a component's unit cost.
type CostLine struct {
	MaterialID        int64           `json:"material_id"`
	MaterialName      string          `json:"material_name"`
	MaterialCost      decimal.Decimal `json:"material_cost"`
	QuantityWithWaste decimal.Decimal `json:"quantity_with_waste"`
	Contribution      decimal.Decimal `json:"contribution"`
}

// ComponentCost is the result of exploding a component into its raw materials.
// LowConfidence marks costs taken from the legacy fallback instead of the BOM.
type ComponentCost struct {
	ComponentID   int64           `json:"component_id"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	LowConfidence bool            `json:"low_confidence"`
	Lines         []CostLine      `json:"lines"`
}

// ProductCostLine is one component's contribution to a product's cost.
type ProductCostLine struct {
	ComponentID    int64           `json:"component_id"`
	QuantityNeeded decimal.Decimal `json:"quantity_needed"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	Contribution   decimal.Decimal `json:"contribution"`
	LowConfidence  bool            `json:"low_confidence"`
}

type ProductCost struct {
	ProductID     int64             `json:"product_id"`
	Cost          decimal.Decimal   `json:"cost"`
	LowConfidence bool              `json:"low_confidence"`
	Components    []ProductCostLine `json:"components"`
}
