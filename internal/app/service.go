package app

import (
	"context"

	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

// ApplicationService is the single interface the REPL and CLI adapters call.
// It decouples presentation from the costing core. Implementations must contain
// no fmt.Println, no ANSI codes, and no display logic of any kind.
type ApplicationService interface {
	// ListMaterials returns all active raw materials with display-rounded costs.
	ListMaterials(ctx context.Context) (*MaterialListResult, error)

	GetMaterial(ctx context.Context, materialID int64) (*MaterialResult, error)

	CreateMaterial(ctx context.Context, req CreateMaterialRequest) (*MaterialResult, error)

	// DeleteMaterial removes or deactivates a material; refused while compositions use it.
	DeleteMaterial(ctx context.Context, materialID int64) (*DeleteResult, error)

	// ListMovements returns the movement history of a material or component.
	ListMovements(ctx context.Context, subject core.SubjectType, subjectID int64) (*MovementListResult, error)

	// VerifyLedger replays the movement log of every material and reports mismatches.
	VerifyLedger(ctx context.Context) (*LedgerCheckResult, error)

	CreateComponent(ctx context.Context, name string) (*core.Component, error)

	CreateProduct(ctx context.Context, req CreateProductRequest) (*core.Product, error)

	GetProduct(ctx context.Context, productID int64) (*core.Product, error)

	// SetComponentMaterial configures (or reconfigures) how much of a material a component uses.
	SetComponentMaterial(ctx context.Context, req SetComponentMaterialRequest) error

	DeactivateComponentMaterial(ctx context.Context, componentID, materialID int64) error

	SetProductComponent(ctx context.Context, req SetProductComponentRequest) error

	DeactivateProductComponent(ctx context.Context, productID, componentID int64) error

	// ComponentCost explodes a component into its materials.
	ComponentCost(ctx context.Context, componentID int64) (*ComponentCostResult, error)

	// ProductCost sums a product's component costs.
	ProductCost(ctx context.Context, productID int64) (*ProductCostResult, error)

	// QuotePrice computes a price under margin without storing it.
	QuotePrice(ctx context.Context, productID int64, margin decimal.Decimal) (*core.PriceQuote, error)

	// RepriceProduct stores a new price from the current cost and an explicit margin.
	RepriceProduct(ctx context.Context, productID int64, margin decimal.Decimal) (*core.PriceChange, error)

	// RecalculateMaterial runs the price cascade for a material at its current cost.
	RecalculateMaterial(ctx context.Context, materialID int64) (*core.CascadeResult, error)

	// RecalculateComponent runs the price cascade for every product using a component.
	RecalculateComponent(ctx context.Context, componentID int64) (*core.CascadeResult, error)

	// RecordPurchase applies a supplier purchase and cascades cost changes.
	RecordPurchase(ctx context.Context, req RecordPurchaseRequest) (*core.PurchaseResult, error)

	GetPurchase(ctx context.Context, purchaseID int64) (*core.Purchase, error)

	EditPurchaseLine(ctx context.Context, req EditPurchaseLineRequest) (*core.PurchaseLineResult, error)

	DeletePurchaseLine(ctx context.Context, lineID int64) (*core.PurchaseLineResult, error)

	ComponentAvailability(ctx context.Context, componentID int64) (*AvailabilityResult, error)

	ProductAvailability(ctx context.Context, productID int64) (*AvailabilityResult, error)

	// ConsumeComponent draws materials for qty units of a component, all or nothing.
	ConsumeComponent(ctx context.Context, req ConsumeRequest) error

	// SellProduct draws materials for qty units of a product, all or nothing.
	SellProduct(ctx context.Context, req ConsumeRequest) error

	CreateParty(ctx context.Context, input core.PartyInput) (*core.Party, error)

	GetParty(ctx context.Context, partyID int64) (*core.Party, error)
}
