package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"hydro-costing/internal/core"
	"hydro-costing/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	ctx          context.Context
	pool         *pgxpool.Pool
	ledger       core.InventoryLedger
	bom          core.BOMStore
	calc         core.CostCalculator
	cascade      core.PriceCascade
	availability core.AvailabilityService
	purchases    core.PurchaseService
	parties      core.PartyService
	reporter     *core.ComponentReporter
}

func setupTestDB(t *testing.T) *testEnv {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test to protect live database")
	}
	if err := db.Migrate(dbURL); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE price_history, movements, purchase_lines, purchases,
			product_components, component_materials, products, components,
			raw_materials, parties
		RESTART IDENTITY CASCADE;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := core.DefaultSettings()
	ledger := core.NewInventoryLedger(pool, settings)
	bom := core.NewBOMStore(pool, settings)
	calc := core.NewCostCalculator(pool, settings)
	cascade := core.NewPriceCascade(pool, bom, calc, settings, logger)
	return &testEnv{
		ctx:          ctx,
		pool:         pool,
		ledger:       ledger,
		bom:          bom,
		calc:         calc,
		cascade:      cascade,
		availability: core.NewAvailabilityService(pool, ledger, settings),
		purchases:    core.NewPurchaseService(pool, ledger, cascade, nil, settings, logger),
		parties:      core.NewPartyService(pool),
		reporter:     core.NewComponentReporter(pool, calc, settings, logger),
	}
}

type fixture struct {
	materialID  int64
	componentID int64
	productID   int64
}

// seedTower builds the reference catalog: 20 m of pipe at 6.00, a tower
// section using 2 m with 10% waste (2.2 m per unit, 13.20), and a product of
// one section priced at a 25% margin (16.50).
func seedTower(t *testing.T, env *testEnv) fixture {
	t.Helper()
	ctx := env.ctx

	pipe, err := env.ledger.CreateMaterial(ctx, "PVC pipe", "m")
	if err != nil {
		t.Fatalf("CreateMaterial failed: %v", err)
	}
	if _, err := env.purchases.RecordPurchase(ctx, core.PurchaseInput{
		Reference: "OPENING",
		Lines:     []core.PurchaseLineInput{{MaterialID: pipe.ID, Quantity: 20, UnitPrice: dec("6")}},
	}); err != nil {
		t.Fatalf("opening RecordPurchase failed: %v", err)
	}

	section, err := env.bom.CreateComponent(ctx, "Tower section")
	if err != nil {
		t.Fatalf("CreateComponent failed: %v", err)
	}
	if err := env.bom.SetComponentMaterial(ctx, core.ComponentMaterialEdge{
		ComponentID:      section.ID,
		MaterialID:       pipe.ID,
		QuantityNeeded:   dec("2"),
		ConversionFactor: dec("1"),
		WastePercentage:  dec("0.10"),
		IsPrincipal:      true,
	}); err != nil {
		t.Fatalf("SetComponentMaterial failed: %v", err)
	}

	tower, err := env.bom.CreateProduct(ctx, "Tower", decimal.Zero)
	if err != nil {
		t.Fatalf("CreateProduct failed: %v", err)
	}
	if err := env.bom.SetProductComponent(ctx, core.ProductComponentEdge{
		ProductID: tower.ID, ComponentID: section.ID, QuantityNeeded: dec("1"),
	}); err != nil {
		t.Fatalf("SetProductComponent failed: %v", err)
	}

	change, err := env.cascade.RepriceProduct(ctx, tower.ID, dec("0.25"))
	if err != nil {
		t.Fatalf("RepriceProduct failed: %v", err)
	}
	if !change.NewPrice.Equal(dec("16.50")) {
		t.Fatalf("Expected initial price 16.50, got %s", change.NewPrice)
	}
	return fixture{materialID: pipe.ID, componentID: section.ID, productID: tower.ID}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertLedgerConsistent(t *testing.T, env *testEnv, materialID int64) {
	t.Helper()
	replay, err := env.ledger.ReplayMaterial(env.ctx, materialID)
	if err != nil {
		t.Fatalf("ReplayMaterial failed: %v", err)
	}
	if !replay.Consistent() {
		t.Errorf("Ledger mismatch: stored %d, replayed %d", replay.StoredStock, replay.ReplayedStock)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestCosting_ComponentAndProductCost(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	cc, err := env.calc.ComponentUnitCost(env.ctx, f.componentID)
	if err != nil {
		t.Fatalf("ComponentUnitCost failed: %v", err)
	}
	if !cc.UnitCost.Equal(dec("13.2")) || cc.LowConfidence {
		t.Errorf("Expected component cost 13.2 (confident), got %s (low=%v)", cc.UnitCost, cc.LowConfidence)
	}
	if len(cc.Lines) != 1 || !cc.Lines[0].QuantityWithWaste.Equal(dec("2.2")) {
		t.Errorf("Expected one line with 2.2 m, got %+v", cc.Lines)
	}

	quote, err := env.calc.ProductPrice(env.ctx, f.productID, dec("0.25"))
	if err != nil {
		t.Fatalf("ProductPrice failed: %v", err)
	}
	if !quote.Price.Equal(dec("16.50")) {
		t.Errorf("Expected quote 16.50, got %s", quote.Price)
	}
}

func TestPurchase_CascadesNewCostToProducts(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Reference: "INV-1",
		Lines:     []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}

	if len(result.Outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(result.Outcomes))
	}
	o := result.Outcomes[0]
	if o.PreviousStock != 20 || o.NewStock != 30 {
		t.Errorf("Expected stock 20 -> 30, got %d -> %d", o.PreviousStock, o.NewStock)
	}
	if !o.NewCost.Round(2).Equal(dec("7.33")) {
		t.Errorf("Expected weighted average 7.33, got %s", o.NewCost)
	}

	if len(result.Cascades) != 1 {
		t.Fatalf("Expected 1 cascade, got %d", len(result.Cascades))
	}
	cascade := result.Cascades[0]
	if err := cascade.Err(); err != nil {
		t.Fatalf("Cascade reported failures: %v", err)
	}
	if len(cascade.Repriced) != 1 || !cascade.Repriced[0].NewPrice.Equal(dec("20.17")) {
		t.Fatalf("Expected product repriced to 20.17 at the inferred margin, got %+v", cascade.Repriced)
	}
	if !cascade.Repriced[0].Margin.Equal(dec("0.25")) {
		t.Errorf("Expected inferred margin 0.25, got %s", cascade.Repriced[0].Margin)
	}

	product, err := env.bom.GetProduct(env.ctx, f.productID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if !product.SalePrice.Equal(dec("20.17")) {
		t.Errorf("Expected stored price 20.17, got %s", product.SalePrice)
	}

	var history int
	if err := env.pool.QueryRow(env.ctx, "SELECT count(*) FROM price_history WHERE product_id = $1", f.productID).Scan(&history); err != nil {
		t.Fatal(err)
	}
	if history != 2 {
		t.Errorf("Expected 2 price history rows (manual + cascade), got %d", history)
	}
	assertLedgerConsistent(t, env, f.materialID)
}

func TestPurchase_SameCostDoesNotCascade(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 5, UnitPrice: dec("6")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	if len(result.Cascades) != 0 {
		t.Errorf("Expected no cascade when the average is unchanged, got %d", len(result.Cascades))
	}
}

func TestPurchase_RejectsUnknownMaterialAtomically(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	_, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{
			{MaterialID: f.materialID, Quantity: 10, UnitPrice: dec("10")},
			{MaterialID: 999, Quantity: 1, UnitPrice: dec("1")},
		},
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	m, err := env.ledger.GetMaterial(env.ctx, f.materialID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Stock != 20 || !m.UnitCost.Equal(dec("6")) {
		t.Errorf("Failed purchase leaked into the ledger: stock %d cost %s", m.Stock, m.UnitCost)
	}
}

func TestPurchase_EditAndDeleteReverseTheLedger(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	lineID := result.Purchase.Lines[0].ID

	edited, err := env.purchases.EditPurchaseLine(env.ctx, lineID, 5, dec("10"))
	if err != nil {
		t.Fatalf("EditPurchaseLine failed: %v", err)
	}
	if edited.Outcome.NewStock != 25 {
		t.Errorf("Expected stock 25 after edit, got %d", edited.Outcome.NewStock)
	}
	assertLedgerConsistent(t, env, f.materialID)

	deleted, err := env.purchases.DeletePurchaseLine(env.ctx, lineID)
	if err != nil {
		t.Fatalf("DeletePurchaseLine failed: %v", err)
	}
	if deleted.Outcome.NewStock != 20 {
		t.Errorf("Expected stock 20 after delete, got %d", deleted.Outcome.NewStock)
	}
	if !deleted.Outcome.NewCost.Round(2).Equal(dec("6")) {
		t.Errorf("Expected cost back at 6.00, got %s", deleted.Outcome.NewCost)
	}
	assertLedgerConsistent(t, env, f.materialID)

	if _, err := env.purchases.DeletePurchaseLine(env.ctx, lineID); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument deleting a void line, got %v", err)
	}

	purchase, err := env.purchases.GetPurchase(env.ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("GetPurchase failed: %v", err)
	}
	if len(purchase.Lines) != 1 || !purchase.Lines[0].IsVoid {
		t.Errorf("Expected the line to be kept as void, got %+v", purchase.Lines)
	}
}

func TestAvailability_ReduceInventoryIsAllOrNothing(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	n, err := env.availability.ComponentAvailability(env.ctx, f.componentID)
	if err != nil {
		t.Fatalf("ComponentAvailability failed: %v", err)
	}
	if n != 9 {
		t.Errorf("Expected floor(20 / 2.2) = 9, got %d", n)
	}

	ok, err := env.availability.ValidateSufficiency(env.ctx, f.componentID, 10)
	if err != nil || ok {
		t.Errorf("Expected 10 units to be insufficient, got ok=%v err=%v", ok, err)
	}

	err = env.availability.ReduceInventory(env.ctx, f.componentID, 10, core.MovementRef{CorrelationID: "test"})
	if !errors.Is(err, core.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}
	m, _ := env.ledger.GetMaterial(env.ctx, f.materialID)
	if m.Stock != 20 {
		t.Errorf("Refused reduction changed stock to %d", m.Stock)
	}

	if err := env.availability.ReduceInventory(env.ctx, f.componentID, 5, core.MovementRef{CorrelationID: "test"}); err != nil {
		t.Fatalf("ReduceInventory failed: %v", err)
	}
	m, _ = env.ledger.GetMaterial(env.ctx, f.materialID)
	if m.Stock != 9 {
		t.Errorf("Expected 20 - floor(5 * 2.2) = 9, got %d", m.Stock)
	}
	if !m.UnitCost.Equal(dec("6")) {
		t.Errorf("Consumption must not change the average cost, got %s", m.UnitCost)
	}

	pn, err := env.availability.ProductAvailability(env.ctx, f.productID)
	if err != nil {
		t.Fatalf("ProductAvailability failed: %v", err)
	}
	if pn != 4 {
		t.Errorf("Expected 4 products from 9 m, got %d", pn)
	}
	if err := env.availability.ReduceProductInventory(env.ctx, f.productID, 5, core.MovementRef{}); !errors.Is(err, core.ErrInsufficientStock) {
		t.Errorf("Expected ErrInsufficientStock selling 5, got %v", err)
	}
	assertLedgerConsistent(t, env, f.materialID)
}

func TestAvailability_UncomposedComponentHasNone(t *testing.T) {
	env := setupTestDB(t)

	c, err := env.bom.CreateComponent(env.ctx, "Bare")
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.availability.ComponentAvailability(env.ctx, c.ID)
	if err != nil {
		t.Fatalf("ComponentAvailability failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 for a component without materials, got %d", n)
	}
	if _, err := env.availability.ComponentAvailability(env.ctx, 999); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCosting_LegacyFallback(t *testing.T) {
	env := setupTestDB(t)

	emitter, err := env.ledger.CreateMaterial(env.ctx, "Drip Emitter", "pc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: emitter.ID, Quantity: 100, UnitPrice: dec("0.45")}},
	}); err != nil {
		t.Fatal(err)
	}
	c, err := env.bom.CreateComponent(env.ctx, "drip emitter")
	if err != nil {
		t.Fatal(err)
	}

	cc, err := env.calc.ComponentUnitCost(env.ctx, c.ID)
	if err != nil {
		t.Fatalf("ComponentUnitCost failed: %v", err)
	}
	if !cc.LowConfidence || !cc.UnitCost.Equal(dec("0.45")) {
		t.Errorf("Expected low-confidence 0.45 from the last purchase, got %s (low=%v)", cc.UnitCost, cc.LowConfidence)
	}
}

func TestComponentReporter_WritesReportingMovements(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	other := core.Job{Kind: core.JobComponentMovements, PurchaseID: result.Purchase.ID, MaterialIDs: []int64{f.materialID + 1000}}
	if err := env.reporter.Handle(env.ctx, other); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	movements, err := env.ledger.ListMovements(env.ctx, core.SubjectComponent, f.componentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(movements) != 0 {
		t.Fatalf("Expected no movements for a job limited to another material, got %d", len(movements))
	}

	job := core.Job{Kind: core.JobComponentMovements, PurchaseID: result.Purchase.ID, MaterialIDs: []int64{f.materialID}}
	if err := env.reporter.Handle(env.ctx, job); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	movements, err = env.ledger.ListMovements(env.ctx, core.SubjectComponent, f.componentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(movements) != 1 {
		t.Fatalf("Expected 1 component movement, got %d", len(movements))
	}
	if movements[0].Kind != core.MovementComponentReport || movements[0].Quantity != 4 {
		t.Errorf("Expected report of 4 units (10 / 2.2), got %+v", movements[0])
	}
	// Reporting rows never touch material stock.
	assertLedgerConsistent(t, env, f.materialID)
}

func TestDeleteMaterial(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	if _, err := env.ledger.DeleteMaterial(env.ctx, f.materialID); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Expected refusal while a component uses the material, got %v", err)
	}

	if err := env.bom.DeactivateComponentMaterial(env.ctx, f.componentID, f.materialID); err != nil {
		t.Fatal(err)
	}
	deleted, err := env.ledger.DeleteMaterial(env.ctx, f.materialID)
	if err != nil {
		t.Fatalf("DeleteMaterial failed: %v", err)
	}
	if deleted {
		t.Error("Expected deactivation, not deletion, for a material with history")
	}

	fresh, err := env.ledger.CreateMaterial(env.ctx, "Unused", "pc")
	if err != nil {
		t.Fatal(err)
	}
	deleted, err = env.ledger.DeleteMaterial(env.ctx, fresh.ID)
	if err != nil || !deleted {
		t.Errorf("Expected physical delete of an unreferenced material, got deleted=%v err=%v", deleted, err)
	}
	if _, err := env.ledger.GetMaterial(env.ctx, fresh.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestParty_SupplierOnPurchase(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	customer, err := env.parties.CreateParty(env.ctx, core.PartyInput{Kind: core.PartyCustomer, Name: "Farm Co"})
	if err != nil {
		t.Fatalf("CreateParty failed: %v", err)
	}
	_, err = env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		SupplierID: &customer.ID,
		Lines:      []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 1, UnitPrice: dec("6")}},
	})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Expected a customer to be rejected as supplier, got %v", err)
	}

	supplier, err := env.parties.CreateParty(env.ctx, core.PartyInput{Kind: core.PartySupplier, Name: "Pipes Ltd"})
	if err != nil {
		t.Fatal(err)
	}
	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		SupplierID: &supplier.ID,
		Lines:      []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 1, UnitPrice: dec("6")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	if result.Purchase.SupplierID == nil || *result.Purchase.SupplierID != supplier.ID {
		t.Errorf("Expected supplier %d on purchase, got %v", supplier.ID, result.Purchase.SupplierID)
	}
}

func createMaterialWithStock(t *testing.T, env *testEnv, name string, qty int64, price string) int64 {
	t.Helper()
	m, err := env.ledger.CreateMaterial(env.ctx, name, "pc")
	if err != nil {
		t.Fatalf("CreateMaterial failed: %v", err)
	}
	if qty > 0 {
		if _, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
			Lines: []core.PurchaseLineInput{{MaterialID: m.ID, Quantity: qty, UnitPrice: dec(price)}},
		}); err != nil {
			t.Fatalf("RecordPurchase failed: %v", err)
		}
	}
	return m.ID
}

// simpleComponent uses one unit of materialID per unit, without waste.
func simpleComponent(t *testing.T, env *testEnv, name string, materialID int64, qty string) int64 {
	t.Helper()
	c, err := env.bom.CreateComponent(env.ctx, name)
	if err != nil {
		t.Fatalf("CreateComponent failed: %v", err)
	}
	if err := env.bom.SetComponentMaterial(env.ctx, core.ComponentMaterialEdge{
		ComponentID: c.ID, MaterialID: materialID,
		QuantityNeeded: dec(qty), ConversionFactor: dec("1"), WastePercentage: decimal.Zero,
	}); err != nil {
		t.Fatalf("SetComponentMaterial failed: %v", err)
	}
	return c.ID
}

func TestPurchase_SuccessivePurchasesAverage(t *testing.T) {
	env := setupTestDB(t)

	id := createMaterialWithStock(t, env, "Net cup", 10, "5")
	if _, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: id, Quantity: 10, UnitPrice: dec("7")}},
	}); err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	m, err := env.ledger.GetMaterial(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Stock != 20 || !m.UnitCost.Equal(dec("6")) {
		t.Errorf("Expected 20 units at 6.00, got %d at %s", m.Stock, m.UnitCost)
	}
	assertLedgerConsistent(t, env, id)
}

func TestPurchase_ConcurrentPurchasesKeepAverageExact(t *testing.T) {
	env := setupTestDB(t)
	id := createMaterialWithStock(t, env, "Rockwool", 0, "0")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(price int64) {
			defer wg.Done()
			_, err := env.ledger.ApplyPurchase(env.ctx, id, 10, decimal.NewFromInt(price), core.MovementRef{CorrelationID: "concurrent"})
			errs <- err
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ApplyPurchase failed: %v", err)
		}
	}

	m, err := env.ledger.GetMaterial(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	// 10 units at each of 1..8: 360 / 80.
	if m.Stock != 80 {
		t.Errorf("Expected stock 80, got %d", m.Stock)
	}
	if !m.UnitCost.Round(8).Equal(dec("4.5")) {
		t.Errorf("Expected average 4.5, got %s", m.UnitCost)
	}
	assertLedgerConsistent(t, env, id)
}

func TestCascade_CreationPriceSetsMargin(t *testing.T) {
	env := setupTestDB(t)

	pipe := createMaterialWithStock(t, env, "PVC pipe", 20, "6")
	section, err := env.bom.CreateComponent(env.ctx, "Tower section")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bom.SetComponentMaterial(env.ctx, core.ComponentMaterialEdge{
		ComponentID: section.ID, MaterialID: pipe,
		QuantityNeeded: dec("2"), ConversionFactor: dec("1"), WastePercentage: dec("0.10"),
	}); err != nil {
		t.Fatal(err)
	}
	tower, err := env.bom.CreateProduct(env.ctx, "Tower", dec("16.50"))
	if err != nil {
		t.Fatal(err)
	}
	if tower.Margin.Valid {
		t.Fatalf("Expected no stored margin on a new product, got %s", tower.Margin.Decimal)
	}
	if err := env.bom.SetProductComponent(env.ctx, core.ProductComponentEdge{
		ProductID: tower.ID, ComponentID: section.ID, QuantityNeeded: dec("1"),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: pipe, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	if len(result.Cascades) != 1 || len(result.Cascades[0].Repriced) != 1 {
		t.Fatalf("Expected one repriced product, got %+v", result.Cascades)
	}
	change := result.Cascades[0].Repriced[0]
	if !change.Margin.Equal(dec("0.25")) || !change.MarginInferred {
		t.Errorf("Expected margin 0.25 inferred from 16.50 over 13.20, got %s (inferred=%v)", change.Margin, change.MarginInferred)
	}
	if !change.OldCost.Equal(dec("13.2")) {
		t.Errorf("Expected pre-change cost 13.20, got %s", change.OldCost)
	}
	if !change.NewPrice.Equal(dec("20.17")) {
		t.Errorf("Expected 20.17, got %s", change.NewPrice)
	}

	// A composition change afterwards keeps the stored margin.
	plate := createMaterialWithStock(t, env, "Base plate", 10, "4")
	base := simpleComponent(t, env, "Tower base", plate, "1")
	if err := env.bom.SetProductComponent(env.ctx, core.ProductComponentEdge{
		ProductID: tower.ID, ComponentID: base, QuantityNeeded: dec("1"),
	}); err != nil {
		t.Fatal(err)
	}
	result, err = env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: pipe, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase failed: %v", err)
	}
	// Pipe averages 320 / 40 = 8.00: 17.60 + 4.00 = 21.60 at 25%.
	change = result.Cascades[0].Repriced[0]
	if !change.Margin.Equal(dec("0.25")) || change.MarginInferred {
		t.Errorf("Expected stored margin 0.25, got %s (inferred=%v)", change.Margin, change.MarginInferred)
	}
	if !change.NewPrice.Equal(dec("27")) {
		t.Errorf("Expected 27.00, got %s", change.NewPrice)
	}

	product, err := env.bom.GetProduct(env.ctx, tower.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !product.Margin.Valid || !product.Margin.Decimal.Equal(dec("0.25")) {
		t.Errorf("Expected stored margin 0.25, got %+v", product.Margin)
	}
}

func TestCascade_StoredMarginDoesNotDrift(t *testing.T) {
	env := setupTestDB(t)

	cup := createMaterialWithStock(t, env, "Net cup", 100, "0.35")
	component := simpleComponent(t, env, "Cup insert", cup, "1")
	product, err := env.bom.CreateProduct(env.ctx, "Cup kit", decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bom.SetProductComponent(env.ctx, core.ProductComponentEdge{
		ProductID: product.ID, ComponentID: component, QuantityNeeded: dec("1"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.cascade.RepriceProduct(env.ctx, product.ID, dec("0.30")); err != nil {
		t.Fatal(err)
	}

	for _, price := range []string{"0.39", "0.29", "0.40", "0.30", "0.45", "0.31"} {
		result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
			Lines: []core.PurchaseLineInput{{MaterialID: cup, Quantity: 100, UnitPrice: dec(price)}},
		})
		if err != nil {
			t.Fatalf("RecordPurchase failed: %v", err)
		}
		for _, cr := range result.Cascades {
			for _, change := range cr.Repriced {
				if !change.Margin.Equal(dec("0.30")) {
					t.Fatalf("purchase at %s: margin drifted to %s", price, change.Margin)
				}
				want := core.RoundCurrency(core.ApplyMargin(change.NewCost, dec("0.30")), 2)
				if !change.NewPrice.Equal(want) {
					t.Errorf("purchase at %s: price %s, want %s", price, change.NewPrice, want)
				}
			}
		}
	}

	var drifted int
	if err := env.pool.QueryRow(env.ctx,
		"SELECT count(*) FROM price_history WHERE product_id = $1 AND margin <> 0.30", product.ID,
	).Scan(&drifted); err != nil {
		t.Fatal(err)
	}
	if drifted != 0 {
		t.Errorf("Expected every repricing at 0.30, %d rows differ", drifted)
	}
}

func TestCascade_PartialFailureRepricesTheRest(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	// Its price outgrows NUMERIC(14,2), so repricing it fails.
	giant, err := env.bom.CreateProduct(env.ctx, "Tower farm", decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bom.SetProductComponent(env.ctx, core.ProductComponentEdge{
		ProductID: giant.ID, ComponentID: f.componentID, QuantityNeeded: dec("1000000000000"),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := env.purchases.RecordPurchase(env.ctx, core.PurchaseInput{
		Lines: []core.PurchaseLineInput{{MaterialID: f.materialID, Quantity: 10, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("RecordPurchase must commit despite cascade failures: %v", err)
	}
	if len(result.Cascades) != 1 {
		t.Fatalf("Expected 1 cascade, got %d", len(result.Cascades))
	}
	cr := result.Cascades[0]
	if !errors.Is(cr.Err(), core.ErrPartialCascadeFailure) {
		t.Errorf("Expected ErrPartialCascadeFailure, got %v", cr.Err())
	}
	if len(cr.Succeeded) != 1 || cr.Succeeded[0] != f.productID {
		t.Errorf("Expected the tower to succeed, got %v", cr.Succeeded)
	}
	if len(cr.Failed) != 1 || cr.Failed[0].ProductID != giant.ID {
		t.Errorf("Expected the farm to fail, got %+v", cr.Failed)
	}

	tower, err := env.bom.GetProduct(env.ctx, f.productID)
	if err != nil {
		t.Fatal(err)
	}
	if !tower.SalePrice.Equal(dec("20.17")) {
		t.Errorf("Expected tower repriced to 20.17, got %s", tower.SalePrice)
	}
	farm, err := env.bom.GetProduct(env.ctx, giant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !farm.SalePrice.IsZero() || farm.Margin.Valid {
		t.Errorf("Failed repricing leaked: price %s margin %+v", farm.SalePrice, farm.Margin)
	}
	m, err := env.ledger.GetMaterial(env.ctx, f.materialID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Stock != 30 {
		t.Errorf("Expected the purchase committed with stock 30, got %d", m.Stock)
	}
}

func TestCosting_LinearInMaterialCost(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	clamp := createMaterialWithStock(t, env, "Clamp", 10, "1")
	if err := env.bom.SetComponentMaterial(env.ctx, core.ComponentMaterialEdge{
		ComponentID: f.componentID, MaterialID: clamp,
		QuantityNeeded: dec("3"), ConversionFactor: dec("1"), WastePercentage: decimal.Zero,
	}); err != nil {
		t.Fatal(err)
	}

	tx, err := env.pool.Begin(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(env.ctx)

	costAt := func(pipeCost string) decimal.Decimal {
		t.Helper()
		pc, err := env.calc.ProductCostBeforeTx(env.ctx, tx, f.productID, core.CostBaseline{f.materialID: dec(pipeCost)})
		if err != nil {
			t.Fatalf("ProductCostBeforeTx failed: %v", err)
		}
		return pc.Cost
	}

	current, err := env.calc.ProductCostTx(env.ctx, tx, f.productID)
	if err != nil {
		t.Fatal(err)
	}
	// 2.2 m of pipe at 6.00 plus 3 clamps at 1.00.
	if !current.Cost.Equal(dec("16.2")) || !costAt("6").Equal(current.Cost) {
		t.Fatalf("Expected 16.20 at current costs, got %s", current.Cost)
	}
	zero, base, doubled := costAt("0"), costAt("6"), costAt("12")
	if !zero.Equal(dec("3")) {
		t.Errorf("Expected only the clamps at pipe cost 0, got %s", zero)
	}
	// Doubling one material's cost adds exactly its contribution once more.
	if !doubled.Sub(base).Equal(base.Sub(zero)) || !doubled.Equal(dec("29.4")) {
		t.Errorf("Expected 29.40 with pipe at 12.00, got %s", doubled)
	}
}

func TestBOM_RejectsInactiveTargets(t *testing.T) {
	env := setupTestDB(t)
	f := seedTower(t, env)

	retired := createMaterialWithStock(t, env, "Old hose", 5, "2")
	deleted, err := env.ledger.DeleteMaterial(env.ctx, retired)
	if err != nil || deleted {
		t.Fatalf("Expected deactivation of a material with history, got deleted=%v err=%v", deleted, err)
	}
	err = env.bom.SetComponentMaterial(env.ctx, core.ComponentMaterialEdge{
		ComponentID: f.componentID, MaterialID: retired,
		QuantityNeeded: dec("1"), ConversionFactor: dec("1"), WastePercentage: decimal.Zero,
	})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for an inactive material, got %v", err)
	}
	err = env.bom.SetComponentMaterial(env.ctx, core.ComponentMaterialEdge{
		ComponentID: f.componentID, MaterialID: 999,
		QuantityNeeded: dec("1"), ConversionFactor: dec("1"), WastePercentage: decimal.Zero,
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown material, got %v", err)
	}

	// The composition is unchanged and still consumable.
	if err := env.availability.ReduceInventory(env.ctx, f.componentID, 1, core.MovementRef{CorrelationID: "test"}); err != nil {
		t.Errorf("ReduceInventory failed: %v", err)
	}
}
