package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CostCalculator explodes the BOM into costs. Every call is a fresh walk over
// current material costs; nothing is cached.
type CostCalculator interface {
	ComponentUnitCost(ctx context.Context, componentID int64) (*ComponentCost, error)
	ProductCost(ctx context.Context, productID int64) (*ProductCost, error)
	// ProductPrice quotes cost × (1 + margin) rounded to currency precision.
	ProductPrice(ctx context.Context, productID int64, margin decimal.Decimal) (*PriceQuote, error)

	// ProductCostTx reads within the caller's transaction, e.g. while the
	// cascade holds the product row lock.
	ProductCostTx(ctx context.Context, tx pgx.Tx, productID int64) (*ProductCost, error)
	// ProductCostBeforeTx is ProductCostTx with the baseline's materials priced
	// at their pre-change cost. Component cost is linear in each material cost,
	// so this is the product cost as it stood before the change. Legacy
	// fallback prices are not substituted.
	ProductCostBeforeTx(ctx context.Context, tx pgx.Tx, productID int64, baseline CostBaseline) (*ProductCost, error)
}

// PriceQuote is a computed, not stored, sale price.
type PriceQuote struct {
	ProductID     int64           `json:"product_id"`
	Cost          decimal.Decimal `json:"cost"`
	Margin        decimal.Decimal `json:"margin"`
	Price         decimal.Decimal `json:"price"`
	LowConfidence bool            `json:"low_confidence"`
}

type costCalculator struct {
	pool     *pgxpool.Pool
	settings Settings
}

func NewCostCalculator(pool *pgxpool.Pool, settings Settings) CostCalculator {
	return &costCalculator{pool: pool, settings: settings}
}

func (c *costCalculator) ComponentUnitCost(ctx context.Context, componentID int64) (*ComponentCost, error) {
	cc, err := c.componentUnitCost(ctx, c.pool, componentID, nil)
	if err != nil {
		return nil, opError("component unit cost", "component", componentID, err)
	}
	return cc, nil
}

func (c *costCalculator) ProductCost(ctx context.Context, productID int64) (*ProductCost, error) {
	pc, err := c.productCost(ctx, c.pool, productID, nil)
	if err != nil {
		return nil, opError("product cost", "product", productID, err)
	}
	return pc, nil
}

func (c *costCalculator) ProductCostTx(ctx context.Context, tx pgx.Tx, productID int64) (*ProductCost, error) {
	return c.productCost(ctx, tx, productID, nil)
}

func (c *costCalculator) ProductCostBeforeTx(ctx context.Context, tx pgx.Tx, productID int64, baseline CostBaseline) (*ProductCost, error) {
	return c.productCost(ctx, tx, productID, baseline)
}

func (c *costCalculator) ProductPrice(ctx context.Context, productID int64, margin decimal.Decimal) (*PriceQuote, error) {
	const op = "product price"
	if err := validateMargin(margin); err != nil {
		return nil, opError(op, "product", productID, err)
	}
	pc, err := c.productCost(ctx, c.pool, productID, nil)
	if err != nil {
		return nil, opError(op, "product", productID, err)
	}
	return &PriceQuote{
		ProductID:     productID,
		Cost:          RoundCurrency(pc.Cost, c.settings.CurrencyPlaces),
		Margin:        margin,
		Price:         RoundCurrency(ApplyMargin(pc.Cost, margin), c.settings.CurrencyPlaces),
		LowConfidence: pc.LowConfidence,
	}, nil
}

func (c *costCalculator) componentUnitCost(ctx context.Context, q querier, componentID int64, baseline CostBaseline) (*ComponentCost, error) {
	component, err := getComponent(ctx, q, componentID)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT cm.material_id, m.name, m.unit_cost,
		       cm.quantity_needed, cm.conversion_factor, cm.waste_percentage
		FROM component_materials cm
		JOIN raw_materials m ON m.id = cm.material_id
		WHERE cm.component_id = $1 AND cm.is_active = true
		ORDER BY cm.material_id
	`, componentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query component materials: %w", err)
	}
	var lines []CostLine
	for rows.Next() {
		var (
			line             CostLine
			qty, conv, waste decimal.Decimal
		)
		if err := rows.Scan(&line.MaterialID, &line.MaterialName, &line.MaterialCost, &qty, &conv, &waste); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan component material: %w", err)
		}
		if before, ok := baseline[line.MaterialID]; ok {
			line.MaterialCost = before
		}
		line.QuantityWithWaste = QuantityWithWaste(qty, conv, waste)
		line.Contribution = line.MaterialCost.Mul(line.QuantityWithWaste)
		lines = append(lines, line)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read component materials: %w", err)
	}

	if len(lines) == 0 {
		return c.legacyComponentCost(ctx, q, component)
	}

	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Contribution)
	}
	return &ComponentCost{ComponentID: componentID, UnitCost: total, Lines: lines}, nil
}

// legacyComponentCost prices a component that has no composition yet from the
// latest purchase of a raw material carrying the same name. Zero when disabled
// or when no such purchase exists. Always low confidence.
func (c *costCalculator) legacyComponentCost(ctx context.Context, q querier, component *Component) (*ComponentCost, error) {
	result := &ComponentCost{ComponentID: component.ID, UnitCost: decimal.Zero, LowConfidence: true}
	if !c.settings.LegacyFallback {
		return result, nil
	}

	var price decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT pl.unit_price
		FROM purchase_lines pl
		JOIN raw_materials m ON m.id = pl.material_id
		WHERE lower(m.name) = lower($1) AND pl.is_void = false
		ORDER BY pl.created_at DESC, pl.id DESC
		LIMIT 1
	`, component.Name).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to look up legacy price for %q: %w", component.Name, err)
	}
	result.UnitCost = price
	return result, nil
}

func (c *costCalculator) productCost(ctx context.Context, q querier, productID int64, baseline CostBaseline) (*ProductCost, error) {
	var exists bool
	if err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check product %d: %w", productID, err)
	}
	if !exists {
		return nil, notFound("product", productID)
	}

	edges, err := productComponents(ctx, q, productID)
	if err != nil {
		return nil, err
	}

	pc := &ProductCost{ProductID: productID, Cost: decimal.Zero}
	for _, e := range edges {
		cc, err := c.componentUnitCost(ctx, q, e.ComponentID, baseline)
		if err != nil {
			return nil, err
		}
		contribution := cc.UnitCost.Mul(e.QuantityNeeded)
		pc.Cost = pc.Cost.Add(contribution)
		pc.LowConfidence = pc.LowConfidence || cc.LowConfidence
		pc.Components = append(pc.Components, ProductCostLine{
			ComponentID:    e.ComponentID,
			QuantityNeeded: e.QuantityNeeded,
			UnitCost:       cc.UnitCost,
			Contribution:   contribution,
			LowConfidence:  cc.LowConfidence,
		})
	}
	return pc, nil
}
