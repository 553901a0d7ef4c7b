package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hydro-costing/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PriceCascade keeps stored product prices in step with upstream cost changes
// while preserving each product's own margin.
//
// A product's margin is the exact one stored at its last pricing. A product
// never priced since creation has none; its margin is inferred once from the
// creation price over the product cost before the change, then stored.
type PriceCascade interface {
	// OnMaterialCostChanged reprices every active product that reaches materialID
	// through an active component. baseline holds the pre-change cost of every
	// material moved by the same event; nil means costs have not moved since the
	// products were priced. Per-product failures are reported in the result,
	// never returned as err; err is for a trigger that cannot start.
	OnMaterialCostChanged(ctx context.Context, materialID int64, newCost decimal.Decimal, baseline CostBaseline) (*CascadeResult, error)
	// OnComponentCostChanged is the same flow starting at a component.
	OnComponentCostChanged(ctx context.Context, componentID int64) (*CascadeResult, error)
	// RepriceProduct sets a product's price from its current cost and an
	// explicit margin, and stores the margin for later cascades.
	RepriceProduct(ctx context.Context, productID int64, margin decimal.Decimal) (*PriceChange, error)
}

// CascadeTrigger describes what started a cascade.
type CascadeTrigger struct {
	Subject SubjectType      `json:"subject"`
	ID      int64            `json:"id"`
	NewCost *decimal.Decimal `json:"new_cost,omitempty"`
}

// PriceChange is one product repricing, also persisted as a price_history row.
type PriceChange struct {
	ProductID int64           `json:"product_id"`
	OldCost   decimal.Decimal `json:"old_cost"`
	NewCost   decimal.Decimal `json:"new_cost"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Margin    decimal.Decimal `json:"margin"`
	// MarginInferred is set when Margin was derived from the stored price
	// rather than read from the product.
	MarginInferred bool   `json:"margin_inferred"`
	Reason         string `json:"reason"`
	LowConfidence  bool   `json:"low_confidence"`
}

type ProductFailure struct {
	ProductID int64  `json:"product_id"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

type CascadeResult struct {
	Trigger   CascadeTrigger   `json:"trigger"`
	Succeeded []int64          `json:"succeeded"`
	Failed    []ProductFailure `json:"failed"`
	Repriced  []PriceChange    `json:"repriced"`
}

// Err is nil when every affected product was repriced and wraps
// ErrPartialCascadeFailure otherwise.
func (r *CascadeResult) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed)+1)
	errs = append(errs, fmt.Errorf("%w: %d of %d products failed",
		ErrPartialCascadeFailure, len(r.Failed), len(r.Failed)+len(r.Succeeded)))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("product %d: %w", f.ProductID, f.Err))
	}
	return errors.Join(errs...)
}

type priceCascade struct {
	pool     *pgxpool.Pool
	runner   txRunner
	bom      BOMStore
	calc     CostCalculator
	settings Settings
	logger   *slog.Logger
}

func NewPriceCascade(pool *pgxpool.Pool, bom BOMStore, calc CostCalculator, settings Settings, logger *slog.Logger) PriceCascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &priceCascade{
		pool:     pool,
		runner:   txRunner{pool: pool, settings: settings},
		bom:      bom,
		calc:     calc,
		settings: settings,
		logger:   logger,
	}
}

// OnMaterialCostChanged reads each product's cost fresh inside its own
// transaction. newCost is recorded on the trigger for the audit trail; it is
// not substituted for the stored material cost.
func (c *priceCascade) OnMaterialCostChanged(ctx context.Context, materialID int64, newCost decimal.Decimal, baseline CostBaseline) (*CascadeResult, error) {
	const op = "material cost cascade"
	if newCost.IsNegative() {
		return nil, opError(op, "material", materialID, invalidArgument("new cost cannot be negative, got %s", newCost))
	}
	var exists bool
	if err := c.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM raw_materials WHERE id = $1)", materialID,
	).Scan(&exists); err != nil {
		return nil, opError(op, "material", materialID, fmt.Errorf("failed to check material: %w", err))
	}
	if !exists {
		return nil, opError(op, "material", materialID, notFound("material", materialID))
	}

	components, err := c.bom.ComponentsUsingMaterial(ctx, materialID)
	if err != nil {
		return nil, opError(op, "material", materialID, err)
	}

	seen := make(map[int64]struct{})
	var products []int64
	for _, componentID := range components {
		ids, err := c.bom.ProductsUsingComponent(ctx, componentID)
		if err != nil {
			return nil, opError(op, "material", materialID, err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			products = append(products, id)
		}
	}

	trigger := CascadeTrigger{Subject: SubjectMaterial, ID: materialID, NewCost: &newCost}
	reason := fmt.Sprintf("material %d cost changed to %s", materialID, newCost.StringFixed(4))
	return c.fanOut(ctx, trigger, products, baseline, reason), nil
}

func (c *priceCascade) OnComponentCostChanged(ctx context.Context, componentID int64) (*CascadeResult, error) {
	const op = "component cost cascade"
	if _, err := getComponent(ctx, c.pool, componentID); err != nil {
		return nil, opError(op, "component", componentID, err)
	}
	products, err := c.bom.ProductsUsingComponent(ctx, componentID)
	if err != nil {
		return nil, opError(op, "component", componentID, err)
	}
	trigger := CascadeTrigger{Subject: SubjectComponent, ID: componentID}
	return c.fanOut(ctx, trigger, products, nil, fmt.Sprintf("component %d cost changed", componentID)), nil
}

func (c *priceCascade) RepriceProduct(ctx context.Context, productID int64, margin decimal.Decimal) (*PriceChange, error) {
	const op = "reprice product"
	if err := validateMargin(margin); err != nil {
		return nil, opError(op, "product", productID, err)
	}
	change, err := c.reprice(ctx, productID, &margin, nil, "manual repricing")
	if err != nil {
		return nil, opError(op, "product", productID, err)
	}
	return change, nil
}

// fanOut reprices products with bounded parallelism. A failing product never
// stops the others.
func (c *priceCascade) fanOut(ctx context.Context, trigger CascadeTrigger, products []int64, baseline CostBaseline, reason string) *CascadeResult {
	start := time.Now()
	defer func() { metrics.CascadeDuration.Observe(time.Since(start).Seconds()) }()

	result := &CascadeResult{Trigger: trigger, Succeeded: []int64{}, Failed: []ProductFailure{}, Repriced: []PriceChange{}}
	if len(products) == 0 {
		return result
	}

	limit := c.settings.CascadeParallelism
	if limit < 1 {
		limit = 1
	}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for _, productID := range products {
		productID := productID
		g.Go(func() error {
			change, err := c.reprice(ctx, productID, nil, baseline, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.CascadeProducts.WithLabelValues("failed").Inc()
				c.logger.Error("cascade repricing failed",
					"product_id", productID, "trigger", trigger.Subject, "trigger_id", trigger.ID, "error", err)
				result.Failed = append(result.Failed, ProductFailure{ProductID: productID, Reason: err.Error(), Err: err})
				return nil
			}
			metrics.CascadeProducts.WithLabelValues("ok").Inc()
			result.Succeeded = append(result.Succeeded, productID)
			result.Repriced = append(result.Repriced, *change)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].ProductID < result.Failed[j].ProductID })
	sort.Slice(result.Repriced, func(i, j int) bool { return result.Repriced[i].ProductID < result.Repriced[j].ProductID })

	c.logger.Info("cascade finished",
		"trigger", trigger.Subject, "trigger_id", trigger.ID,
		"succeeded", len(result.Succeeded), "failed", len(result.Failed),
		"duration", time.Since(start))
	return result
}

// reprice runs one product in its own transaction with the product row locked.
// A nil margin means the product's stored margin, or the one inferred against
// its cost before the change when none is stored yet.
func (c *priceCascade) reprice(ctx context.Context, productID int64, margin *decimal.Decimal, baseline CostBaseline, reason string) (*PriceChange, error) {
	var change *PriceChange
	err := c.runner.run(ctx, "reprice product", func(tx pgx.Tx) error {
		var (
			oldPrice, lastCost decimal.Decimal
			stored             decimal.NullDecimal
		)
		err := tx.QueryRow(ctx, `
			SELECT sale_price, last_cost, margin FROM products
			WHERE id = $1 AND is_active = true
			FOR UPDATE
		`, productID).Scan(&oldPrice, &lastCost, &stored)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("product", productID)
			}
			return fmt.Errorf("failed to lock product: %w", err)
		}

		pc, err := c.calc.ProductCostTx(ctx, tx, productID)
		if err != nil {
			return err
		}
		oldCost := pc.Cost
		if baseline != nil {
			before, err := c.calc.ProductCostBeforeTx(ctx, tx, productID, baseline)
			if err != nil {
				return err
			}
			oldCost = before.Cost
		} else if stored.Valid {
			oldCost = lastCost
		}

		m := RepricingMargin(margin, stored, oldPrice, oldCost, c.settings.DefaultMargin)
		inferred := margin == nil && !stored.Valid
		newPrice := RoundCurrency(ApplyMargin(pc.Cost, m), c.settings.CurrencyPlaces)
		now := c.settings.now()

		if _, err := tx.Exec(ctx, `
			UPDATE products SET sale_price = $1, last_cost = $2, margin = $3, priced_at = $4
			WHERE id = $5
		`, newPrice, pc.Cost, m, now, productID); err != nil {
			return fmt.Errorf("failed to update product price: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO price_history (product_id, old_cost, new_cost, old_price, new_price, margin, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, productID, oldCost, pc.Cost, oldPrice, newPrice, m, reason, now); err != nil {
			return fmt.Errorf("failed to insert price history: %w", err)
		}

		change = &PriceChange{
			ProductID:      productID,
			OldCost:        oldCost,
			NewCost:        pc.Cost,
			OldPrice:       oldPrice,
			NewPrice:       newPrice,
			Margin:         m,
			MarginInferred: inferred,
			Reason:         reason,
			LowConfidence:  pc.LowConfidence,
		}
		return nil
	})
	return change, err
}
