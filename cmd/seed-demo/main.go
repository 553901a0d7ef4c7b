// seed-demo loads a small hydroponics catalog into an empty database: one
// supplier, three materials with opening purchases, two components and a
// priced product. Everything goes through the services, so the ledger and
// movement log stay consistent.
//
// Usage: go run ./cmd/seed-demo
package main

import (
	"context"
	"log/slog"
	"os"

	"hydro-costing/internal/app"
	"hydro-costing/internal/config"
	"hydro-costing/internal/core"
	"hydro-costing/internal/db"
	"hydro-costing/internal/logger"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HYDRO_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	if err := seed(context.Background(), cfg, log); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
	log.Info("demo data loaded")
}

func seed(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	if err := db.Migrate(cfg.Postgres.DSN); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	// No queue: component report movements are not needed for demo data.
	svc := app.NewAppService(app.NewServices(pool, settings, nil, log), settings)

	supplier, err := svc.CreateParty(ctx, core.PartyInput{Kind: core.PartySupplier, Name: "Hydro Supplies"})
	if err != nil {
		return err
	}
	log.Info("supplier created", "id", supplier.ID)

	materials := []struct {
		name, unit string
		qty        int64
		price      string
	}{
		{"PVC pipe 3in", "m", 40, "6.00"},
		{"Net pot 2in", "pc", 200, "0.35"},
		{"End cap 3in", "pc", 50, "1.20"},
	}
	ids := make([]int64, len(materials))
	lines := make([]core.PurchaseLineInput, len(materials))
	for i, m := range materials {
		res, err := svc.CreateMaterial(ctx, app.CreateMaterialRequest{Name: m.name, Unit: m.unit})
		if err != nil {
			return err
		}
		ids[i] = res.Material.ID
		lines[i] = core.PurchaseLineInput{
			MaterialID: res.Material.ID,
			Quantity:   m.qty,
			UnitPrice:  decimal.RequireFromString(m.price),
		}
	}
	if _, err := svc.RecordPurchase(ctx, app.RecordPurchaseRequest{
		SupplierID: &supplier.ID,
		Reference:  "OPENING",
		Lines:      lines,
	}); err != nil {
		return err
	}

	section, err := svc.CreateComponent(ctx, "Tower section")
	if err != nil {
		return err
	}
	edges := []app.SetComponentMaterialRequest{
		{ComponentID: section.ID, MaterialID: ids[0], QuantityNeeded: decimal.NewFromInt(2), WastePercentage: decimal.RequireFromString("0.10"), IsPrincipal: true},
		{ComponentID: section.ID, MaterialID: ids[1], QuantityNeeded: decimal.NewFromInt(8)},
	}
	base, err := svc.CreateComponent(ctx, "Tower base")
	if err != nil {
		return err
	}
	edges = append(edges, app.SetComponentMaterialRequest{
		ComponentID: base.ID, MaterialID: ids[2], QuantityNeeded: decimal.NewFromInt(2), IsPrincipal: true,
	})
	for _, e := range edges {
		if err := svc.SetComponentMaterial(ctx, e); err != nil {
			return err
		}
	}

	tower, err := svc.CreateProduct(ctx, app.CreateProductRequest{Name: "Vertical tower 4-tier", SalePrice: decimal.Zero})
	if err != nil {
		return err
	}
	recipe := []app.SetProductComponentRequest{
		{ProductID: tower.ID, ComponentID: section.ID, QuantityNeeded: decimal.NewFromInt(4)},
		{ProductID: tower.ID, ComponentID: base.ID, QuantityNeeded: decimal.NewFromInt(1)},
	}
	for _, r := range recipe {
		if err := svc.SetProductComponent(ctx, r); err != nil {
			return err
		}
	}

	change, err := svc.RepriceProduct(ctx, tower.ID, settings.DefaultMargin)
	if err != nil {
		return err
	}
	log.Info("product priced", "product_id", tower.ID, "cost", change.NewCost.StringFixed(2), "price", change.NewPrice.StringFixed(2))
	return nil
}
