package app

import (
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

// CreateMaterialRequest is the input for adding a raw material to the catalog.
type CreateMaterialRequest struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// CreateProductRequest is the input for adding a product. SalePrice is the
// initial stored price until the first repricing.
type CreateProductRequest struct {
	Name      string          `json:"name"`
	SalePrice decimal.Decimal `json:"sale_price"`
}

// SetComponentMaterialRequest configures one component → material edge.
// A zero ConversionFactor means 1.
type SetComponentMaterialRequest struct {
	ComponentID      int64           `json:"component_id"`
	MaterialID       int64           `json:"material_id"`
	QuantityNeeded   decimal.Decimal `json:"quantity_needed"`
	ConversionFactor decimal.Decimal `json:"conversion_factor"`
	WastePercentage  decimal.Decimal `json:"waste_percentage"`
	IsPrincipal      bool            `json:"is_principal"`
}

// SetProductComponentRequest configures one product → component edge.
type SetProductComponentRequest struct {
	ProductID      int64           `json:"product_id"`
	ComponentID    int64           `json:"component_id"`
	QuantityNeeded decimal.Decimal `json:"quantity_needed"`
}

// RecordPurchaseRequest is the input for a supplier purchase.
type RecordPurchaseRequest struct {
	SupplierID *int64                   `json:"supplier_id,omitempty"`
	Reference  string                   `json:"reference"`
	Lines      []core.PurchaseLineInput `json:"lines"`
}

// EditPurchaseLineRequest replaces a line's quantity and price.
type EditPurchaseLineRequest struct {
	LineID    int64           `json:"line_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ConsumeRequest draws materials for Quantity units of a component or product.
type ConsumeRequest struct {
	ID            int64  `json:"id"`
	Quantity      int64  `json:"quantity"`
	CorrelationID string `json:"correlation_id"`
	Note          string `json:"note"`
}
