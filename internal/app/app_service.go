package app

import (
	"context"
	"fmt"
	"log/slog"

	"hydro-costing/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type appService struct {
	settings     core.Settings
	ledger       core.InventoryLedger
	bom          core.BOMStore
	calc         core.CostCalculator
	cascade      core.PriceCascade
	availability core.AvailabilityService
	purchases    core.PurchaseService
	parties      core.PartyService
}

// Services bundles the core services so adapters that need more than the
// facade (the server's job worker) share the same instances.
type Services struct {
	Ledger       core.InventoryLedger
	BOM          core.BOMStore
	Calc         core.CostCalculator
	Cascade      core.PriceCascade
	Availability core.AvailabilityService
	Purchases    core.PurchaseService
	Parties      core.PartyService
	Reporter     *core.ComponentReporter
}

// NewServices wires the core against one pool. queue may be nil.
func NewServices(pool *pgxpool.Pool, settings core.Settings, queue *core.Queue, logger *slog.Logger) Services {
	ledger := core.NewInventoryLedger(pool, settings)
	bom := core.NewBOMStore(pool, settings)
	calc := core.NewCostCalculator(pool, settings)
	cascade := core.NewPriceCascade(pool, bom, calc, settings, logger)
	return Services{
		Ledger:       ledger,
		BOM:          bom,
		Calc:         calc,
		Cascade:      cascade,
		Availability: core.NewAvailabilityService(pool, ledger, settings),
		Purchases:    core.NewPurchaseService(pool, ledger, cascade, queue, settings, logger),
		Parties:      core.NewPartyService(pool),
		Reporter:     core.NewComponentReporter(pool, calc, settings, logger),
	}
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(svcs Services, settings core.Settings) ApplicationService {
	return &appService{
		settings:     settings,
		ledger:       svcs.Ledger,
		bom:          svcs.BOM,
		calc:         svcs.Calc,
		cascade:      svcs.Cascade,
		availability: svcs.Availability,
		purchases:    svcs.Purchases,
		parties:      svcs.Parties,
	}
}

func (s *appService) round(d decimal.Decimal) decimal.Decimal {
	return core.RoundCurrency(d, s.settings.CurrencyPlaces)
}

func (s *appService) materialResult(m core.RawMaterial) MaterialResult {
	return MaterialResult{Material: m, DisplayCost: s.round(m.UnitCost)}
}

// ── Materials and ledger ──────────────────────────────────────────────────────

func (s *appService) ListMaterials(ctx context.Context) (*MaterialListResult, error) {
	materials, err := s.ledger.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	result := &MaterialListResult{Materials: make([]MaterialResult, 0, len(materials))}
	for _, m := range materials {
		result.Materials = append(result.Materials, s.materialResult(m))
	}
	return result, nil
}

func (s *appService) GetMaterial(ctx context.Context, materialID int64) (*MaterialResult, error) {
	m, err := s.ledger.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	r := s.materialResult(*m)
	return &r, nil
}

func (s *appService) CreateMaterial(ctx context.Context, req CreateMaterialRequest) (*MaterialResult, error) {
	m, err := s.ledger.CreateMaterial(ctx, req.Name, req.Unit)
	if err != nil {
		return nil, err
	}
	r := s.materialResult(*m)
	return &r, nil
}

func (s *appService) DeleteMaterial(ctx context.Context, materialID int64) (*DeleteResult, error) {
	deleted, err := s.ledger.DeleteMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{MaterialID: materialID, Deleted: deleted, Deactivated: !deleted}, nil
}

func (s *appService) ListMovements(ctx context.Context, subject core.SubjectType, subjectID int64) (*MovementListResult, error) {
	switch subject {
	case core.SubjectMaterial, core.SubjectComponent:
	default:
		return nil, fmt.Errorf("%w: unknown movement subject %q", core.ErrInvalidArgument, subject)
	}
	movements, err := s.ledger.ListMovements(ctx, subject, subjectID)
	if err != nil {
		return nil, err
	}
	if movements == nil {
		movements = []core.Movement{}
	}
	return &MovementListResult{Subject: subject, SubjectID: subjectID, Movements: movements}, nil
}

func (s *appService) VerifyLedger(ctx context.Context) (*LedgerCheckResult, error) {
	materials, err := s.ledger.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	result := &LedgerCheckResult{Inconsistent: []core.StockReplay{}}
	for _, m := range materials {
		replay, err := s.ledger.ReplayMaterial(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		result.Checked++
		if !replay.Consistent() {
			result.Inconsistent = append(result.Inconsistent, *replay)
		}
	}
	return result, nil
}

// ── Catalog and BOM ───────────────────────────────────────────────────────────

func (s *appService) CreateComponent(ctx context.Context, name string) (*core.Component, error) {
	return s.bom.CreateComponent(ctx, name)
}

func (s *appService) CreateProduct(ctx context.Context, req CreateProductRequest) (*core.Product, error) {
	return s.bom.CreateProduct(ctx, req.Name, req.SalePrice)
}

func (s *appService) GetProduct(ctx context.Context, productID int64) (*core.Product, error) {
	return s.bom.GetProduct(ctx, productID)
}

func (s *appService) SetComponentMaterial(ctx context.Context, req SetComponentMaterialRequest) error {
	conversion := req.ConversionFactor
	if conversion.IsZero() {
		conversion = decimal.NewFromInt(1)
	}
	return s.bom.SetComponentMaterial(ctx, core.ComponentMaterialEdge{
		ComponentID:      req.ComponentID,
		MaterialID:       req.MaterialID,
		QuantityNeeded:   req.QuantityNeeded,
		ConversionFactor: conversion,
		WastePercentage:  req.WastePercentage,
		IsPrincipal:      req.IsPrincipal,
		IsActive:         true,
	})
}

func (s *appService) DeactivateComponentMaterial(ctx context.Context, componentID, materialID int64) error {
	return s.bom.DeactivateComponentMaterial(ctx, componentID, materialID)
}

func (s *appService) SetProductComponent(ctx context.Context, req SetProductComponentRequest) error {
	return s.bom.SetProductComponent(ctx, core.ProductComponentEdge{
		ProductID:      req.ProductID,
		ComponentID:    req.ComponentID,
		QuantityNeeded: req.QuantityNeeded,
		IsActive:       true,
	})
}

func (s *appService) DeactivateProductComponent(ctx context.Context, productID, componentID int64) error {
	return s.bom.DeactivateProductComponent(ctx, productID, componentID)
}

// ── Costing and pricing ───────────────────────────────────────────────────────

func (s *appService) ComponentCost(ctx context.Context, componentID int64) (*ComponentCostResult, error) {
	cc, err := s.calc.ComponentUnitCost(ctx, componentID)
	if err != nil {
		return nil, err
	}
	return &ComponentCostResult{Cost: *cc, DisplayCost: s.round(cc.UnitCost)}, nil
}

func (s *appService) ProductCost(ctx context.Context, productID int64) (*ProductCostResult, error) {
	pc, err := s.calc.ProductCost(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &ProductCostResult{Cost: *pc, DisplayCost: s.round(pc.Cost)}, nil
}

func (s *appService) QuotePrice(ctx context.Context, productID int64, margin decimal.Decimal) (*core.PriceQuote, error) {
	return s.calc.ProductPrice(ctx, productID, margin)
}

func (s *appService) RepriceProduct(ctx context.Context, productID int64, margin decimal.Decimal) (*core.PriceChange, error) {
	return s.cascade.RepriceProduct(ctx, productID, margin)
}

func (s *appService) RecalculateMaterial(ctx context.Context, materialID int64) (*core.CascadeResult, error) {
	m, err := s.ledger.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	return s.cascade.OnMaterialCostChanged(ctx, materialID, m.UnitCost, nil)
}

func (s *appService) RecalculateComponent(ctx context.Context, componentID int64) (*core.CascadeResult, error) {
	return s.cascade.OnComponentCostChanged(ctx, componentID)
}

// ── Purchases ─────────────────────────────────────────────────────────────────

func (s *appService) RecordPurchase(ctx context.Context, req RecordPurchaseRequest) (*core.PurchaseResult, error) {
	return s.purchases.RecordPurchase(ctx, core.PurchaseInput{
		SupplierID: req.SupplierID,
		Reference:  req.Reference,
		Lines:      req.Lines,
	})
}

func (s *appService) GetPurchase(ctx context.Context, purchaseID int64) (*core.Purchase, error) {
	return s.purchases.GetPurchase(ctx, purchaseID)
}

func (s *appService) EditPurchaseLine(ctx context.Context, req EditPurchaseLineRequest) (*core.PurchaseLineResult, error) {
	return s.purchases.EditPurchaseLine(ctx, req.LineID, req.Quantity, req.UnitPrice)
}

func (s *appService) DeletePurchaseLine(ctx context.Context, lineID int64) (*core.PurchaseLineResult, error) {
	return s.purchases.DeletePurchaseLine(ctx, lineID)
}

// ── Availability and consumption ──────────────────────────────────────────────

func (s *appService) ComponentAvailability(ctx context.Context, componentID int64) (*AvailabilityResult, error) {
	n, err := s.availability.ComponentAvailability(ctx, componentID)
	if err != nil {
		return nil, err
	}
	return &AvailabilityResult{Subject: "component", ID: componentID, Available: n}, nil
}

func (s *appService) ProductAvailability(ctx context.Context, productID int64) (*AvailabilityResult, error) {
	n, err := s.availability.ProductAvailability(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &AvailabilityResult{Subject: "product", ID: productID, Available: n}, nil
}

func (s *appService) ConsumeComponent(ctx context.Context, req ConsumeRequest) error {
	return s.availability.ReduceInventory(ctx, req.ID, req.Quantity,
		core.MovementRef{CorrelationID: req.CorrelationID, Note: req.Note})
}

func (s *appService) SellProduct(ctx context.Context, req ConsumeRequest) error {
	return s.availability.ReduceProductInventory(ctx, req.ID, req.Quantity,
		core.MovementRef{CorrelationID: req.CorrelationID, Note: req.Note})
}

// ── Parties ───────────────────────────────────────────────────────────────────

func (s *appService) CreateParty(ctx context.Context, input core.PartyInput) (*core.Party, error) {
	return s.parties.CreateParty(ctx, input)
}

func (s *appService) GetParty(ctx context.Context, partyID int64) (*core.Party, error) {
	return s.parties.GetParty(ctx, partyID)
}
