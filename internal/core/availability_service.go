package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"hydro-costing/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// AvailabilityService answers "how many can we make" from raw-material stock and
// performs the matching consumption. A component with no active composition
// is never available.
type AvailabilityService interface {
	ComponentAvailability(ctx context.Context, componentID int64) (int64, error)
	ValidateSufficiency(ctx context.Context, componentID, qty int64) (bool, error)
	// ReduceInventory consumes the materials for qty component units. It
	// re-validates under row locks and changes nothing on ErrInsufficientStock.
	ReduceInventory(ctx context.Context, componentID, qty int64, ref MovementRef) error

	ProductAvailability(ctx context.Context, productID int64) (int64, error)
	ReduceProductInventory(ctx context.Context, productID, qty int64, ref MovementRef) error
}

// requirement is how much of one material a single unit of output consumes.
type requirement struct {
	MaterialID int64
	PerUnit    decimal.Decimal
	Stock      int64
}

// availableUnits is the minimum over all requirements; none means zero.
func availableUnits(reqs []requirement) int64 {
	if len(reqs) == 0 {
		return 0
	}
	least := int64(-1)
	for _, r := range reqs {
		n := UnitsProducible(r.Stock, r.PerUnit)
		if least < 0 || n < least {
			least = n
		}
	}
	return least
}

type availabilityService struct {
	pool     *pgxpool.Pool
	runner   txRunner
	ledger   InventoryLedger
	settings Settings
}

func NewAvailabilityService(pool *pgxpool.Pool, ledger InventoryLedger, settings Settings) AvailabilityService {
	return &availabilityService{
		pool:     pool,
		runner:   txRunner{pool: pool, settings: settings},
		ledger:   ledger,
		settings: settings,
	}
}

// ── Standalone operations ─────────────────────────────────────────────────────

func (s *availabilityService) ComponentAvailability(ctx context.Context, componentID int64) (int64, error) {
	reqs, err := componentRequirements(ctx, s.pool, componentID)
	if err != nil {
		return 0, opError("component availability", "component", componentID, err)
	}
	return availableUnits(reqs), nil
}

func (s *availabilityService) ValidateSufficiency(ctx context.Context, componentID, qty int64) (bool, error) {
	if qty <= 0 {
		return false, opError("validate sufficiency", "component", componentID,
			invalidArgument("required quantity must be positive, got %d", qty))
	}
	available, err := s.ComponentAvailability(ctx, componentID)
	if err != nil {
		return false, err
	}
	return available >= qty, nil
}

func (s *availabilityService) ReduceInventory(ctx context.Context, componentID, qty int64, ref MovementRef) error {
	const op = "reduce inventory"
	if qty <= 0 {
		return opError(op, "component", componentID, invalidArgument("quantity must be positive, got %d", qty))
	}
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		reqs, err := componentRequirements(ctx, tx, componentID)
		if err != nil {
			return err
		}
		if ref.Note == "" {
			ref.Note = fmt.Sprintf("Consumption for %d units of component %d", qty, componentID)
		}
		return s.consume(ctx, tx, reqs, qty, ref)
	})
	recordReduction(err)
	return opError(op, "component", componentID, err)
}

func (s *availabilityService) ProductAvailability(ctx context.Context, productID int64) (int64, error) {
	reqs, err := productRequirements(ctx, s.pool, productID)
	if err != nil {
		return 0, opError("product availability", "product", productID, err)
	}
	return availableUnits(reqs), nil
}

func (s *availabilityService) ReduceProductInventory(ctx context.Context, productID, qty int64, ref MovementRef) error {
	const op = "reduce product inventory"
	if qty <= 0 {
		return opError(op, "product", productID, invalidArgument("quantity must be positive, got %d", qty))
	}
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		reqs, err := productRequirements(ctx, tx, productID)
		if err != nil {
			return err
		}
		if ref.Note == "" {
			ref.Note = fmt.Sprintf("Consumption for %d units of product %d", qty, productID)
		}
		return s.consume(ctx, tx, reqs, qty, ref)
	})
	recordReduction(err)
	return opError(op, "product", productID, err)
}

// ── TX-scoped helpers ─────────────────────────────────────────────────────────

// consume locks every required material in id order, re-checks availability
// against the locked stock and only then decrements.
func (s *availabilityService) consume(ctx context.Context, tx pgx.Tx, reqs []requirement, qty int64, ref MovementRef) error {
	if len(reqs) == 0 {
		return fmt.Errorf("nothing to consume, no active composition: %w", ErrInsufficientStock)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].MaterialID < reqs[j].MaterialID })

	for i := range reqs {
		stock, _, err := lockMaterial(ctx, tx, reqs[i].MaterialID)
		if err != nil {
			return err
		}
		reqs[i].Stock = stock
	}
	if available := availableUnits(reqs); available < qty {
		return fmt.Errorf("requested %d, available %d: %w", qty, available, ErrInsufficientStock)
	}

	for _, r := range reqs {
		if err := s.ledger.ConsumeTx(ctx, tx, r.MaterialID, ConsumptionUnits(r.PerUnit, qty), ref); err != nil {
			return err
		}
	}
	return nil
}

func recordReduction(err error) {
	switch {
	case err == nil:
		metrics.InventoryReductions.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrInsufficientStock):
		metrics.InventoryReductions.WithLabelValues("insufficient").Inc()
	default:
		metrics.InventoryReductions.WithLabelValues("error").Inc()
	}
}

func componentRequirements(ctx context.Context, q querier, componentID int64) ([]requirement, error) {
	if _, err := getComponent(ctx, q, componentID); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT cm.material_id, cm.quantity_needed, cm.conversion_factor, cm.waste_percentage, m.stock
		FROM component_materials cm
		JOIN raw_materials m ON m.id = cm.material_id
		WHERE cm.component_id = $1 AND cm.is_active = true
		ORDER BY cm.material_id
	`, componentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query component requirements: %w", err)
	}
	defer rows.Close()

	var reqs []requirement
	for rows.Next() {
		var (
			r                requirement
			qty, conv, waste decimal.Decimal
		)
		if err := rows.Scan(&r.MaterialID, &qty, &conv, &waste, &r.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan component requirement: %w", err)
		}
		r.PerUnit = QuantityWithWaste(qty, conv, waste)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// productRequirements folds the product's components into one requirement per
// material. Any uncomposed component makes the whole product unavailable, so
// the result is then empty.
func productRequirements(ctx context.Context, q querier, productID int64) ([]requirement, error) {
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

	byMaterial := make(map[int64]*requirement)
	for _, e := range edges {
		reqs, err := componentRequirements(ctx, q, e.ComponentID)
		if err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			return nil, nil
		}
		for _, r := range reqs {
			perProduct := r.PerUnit.Mul(e.QuantityNeeded)
			if agg, ok := byMaterial[r.MaterialID]; ok {
				agg.PerUnit = agg.PerUnit.Add(perProduct)
				continue
			}
			byMaterial[r.MaterialID] = &requirement{MaterialID: r.MaterialID, PerUnit: perProduct, Stock: r.Stock}
		}
	}

	out := make([]requirement, 0, len(byMaterial))
	for _, r := range byMaterial {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialID < out[j].MaterialID })
	return out, nil
}
