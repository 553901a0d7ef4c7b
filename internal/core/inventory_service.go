package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hydro-costing/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// InventoryLedger holds raw-material stock and weighted-average cost. It is the
// only writer of raw_materials.stock and raw_materials.unit_cost, and every
// change it makes is paired with a movement row in the same transaction.
type InventoryLedger interface {
	// Standalone operations (manage their own transactions).
	GetMaterial(ctx context.Context, materialID int64) (*RawMaterial, error)
	ListMaterials(ctx context.Context) ([]RawMaterial, error)
	CreateMaterial(ctx context.Context, name, unit string) (*RawMaterial, error)
	// DeleteMaterial physically deletes an unreferenced material, deactivates one
	// that only history references, and refuses one that active BOM edges use.
	// deleted reports which of the first two happened.
	DeleteMaterial(ctx context.Context, materialID int64) (deleted bool, err error)
	// ApplyPurchase receives qty units at unitPrice, recomputing the weighted average.
	ApplyPurchase(ctx context.Context, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error)
	ListMovements(ctx context.Context, subject SubjectType, subjectID int64) ([]Movement, error)
	// ReplayMaterial rebuilds stock and cost from the movement log and compares
	// them to the stored row.
	ReplayMaterial(ctx context.Context, materialID int64) (*StockReplay, error)

	// TX-scoped operations: work within a caller-provided transaction.
	// Used by PurchaseService and AvailabilityService to keep ledger writes
	// atomic with their own rows.

	ApplyPurchaseTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error)
	// ReversePurchaseTx removes a previously applied line. Approximate once later
	// purchases have compounded on top of it; see ReverseWeightedAverage.
	ReversePurchaseTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error)
	// ConsumeTx decrements stock at unchanged cost. It fails with
	// ErrInsufficientStock rather than go below zero.
	ConsumeTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, ref MovementRef) error
}

type inventoryLedger struct {
	pool     *pgxpool.Pool
	runner   txRunner
	settings Settings
}

func NewInventoryLedger(pool *pgxpool.Pool, settings Settings) InventoryLedger {
	return &inventoryLedger{
		pool:     pool,
		runner:   txRunner{pool: pool, settings: settings},
		settings: settings,
	}
}

// ── Standalone operations ─────────────────────────────────────────────────────

const materialColumns = `id, name, unit, stock, unit_cost, is_active, created_at, updated_at`

func scanMaterial(row pgx.Row) (*RawMaterial, error) {
	var m RawMaterial
	if err := row.Scan(&m.ID, &m.Name, &m.Unit, &m.Stock, &m.UnitCost, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *inventoryLedger) GetMaterial(ctx context.Context, materialID int64) (*RawMaterial, error) {
	m, err := scanMaterial(s.pool.QueryRow(ctx,
		"SELECT "+materialColumns+" FROM raw_materials WHERE id = $1", materialID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, opError("get material", "material", materialID, notFound("material", materialID))
		}
		return nil, fmt.Errorf("failed to fetch material %d: %w", materialID, err)
	}
	return m, nil
}

func (s *inventoryLedger) ListMaterials(ctx context.Context) ([]RawMaterial, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+materialColumns+" FROM raw_materials WHERE is_active = true ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query materials: %w", err)
	}
	defer rows.Close()

	var materials []RawMaterial
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan material: %w", err)
		}
		materials = append(materials, *m)
	}
	return materials, rows.Err()
}

func (s *inventoryLedger) CreateMaterial(ctx context.Context, name, unit string) (*RawMaterial, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, opError("create material", "", 0, invalidArgument("material name is required"))
	}
	unit = strings.TrimSpace(unit)
	if unit == "" {
		unit = "pcs"
	}
	now := s.settings.now()
	m, err := scanMaterial(s.pool.QueryRow(ctx, `
		INSERT INTO raw_materials (name, unit, stock, unit_cost, is_active, created_at, updated_at)
		VALUES ($1, $2, 0, 0, true, $3, $3)
		RETURNING `+materialColumns,
		name, unit, now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert material %q: %w", name, err)
	}
	return m, nil
}

func (s *inventoryLedger) DeleteMaterial(ctx context.Context, materialID int64) (bool, error) {
	const op = "delete material"
	var deleted bool
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		deleted = false
		var lockedID int64
		if err := tx.QueryRow(ctx,
			"SELECT id FROM raw_materials WHERE id = $1 FOR UPDATE", materialID,
		).Scan(&lockedID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("material", materialID)
			}
			return fmt.Errorf("failed to lock material: %w", err)
		}

		var activeEdges, history bool
		if err := tx.QueryRow(ctx, `
			SELECT
				EXISTS(SELECT 1 FROM component_materials WHERE material_id = $1 AND is_active = true),
				EXISTS(SELECT 1 FROM component_materials WHERE material_id = $1)
				OR EXISTS(SELECT 1 FROM movements WHERE subject_type = 'material' AND subject_id = $1)
				OR EXISTS(SELECT 1 FROM purchase_lines WHERE material_id = $1)
		`, materialID).Scan(&activeEdges, &history); err != nil {
			return fmt.Errorf("failed to check material references: %w", err)
		}
		if activeEdges {
			return invalidArgument("material is used by active component compositions")
		}

		if history {
			_, err := tx.Exec(ctx,
				"UPDATE raw_materials SET is_active = false, updated_at = $2 WHERE id = $1",
				materialID, s.settings.now())
			if err != nil {
				return fmt.Errorf("failed to deactivate material: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(ctx, "DELETE FROM raw_materials WHERE id = $1", materialID); err != nil {
			return fmt.Errorf("failed to delete material: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, opError(op, "material", materialID, err)
}

// ApplyPurchase locks the material row, applies the weighted average and appends
// the movement in one transaction. Serialization conflicts are retried.
func (s *inventoryLedger) ApplyPurchase(ctx context.Context, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error) {
	const op = "apply purchase"
	if err := validatePurchaseLine(qty, unitPrice); err != nil {
		return nil, opError(op, "material", materialID, err)
	}

	var outcome *PurchaseOutcome
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		var err error
		outcome, err = s.ApplyPurchaseTx(ctx, tx, materialID, qty, unitPrice, ref)
		return err
	})
	if err != nil {
		return nil, opError(op, "material", materialID, err)
	}
	return outcome, nil
}

func (s *inventoryLedger) ListMovements(ctx context.Context, subject SubjectType, subjectID int64) ([]Movement, error) {
	return listMovements(ctx, s.pool, subject, subjectID)
}

func listMovements(ctx context.Context, q querier, subject SubjectType, subjectID int64) ([]Movement, error) {
	rows, err := q.Query(ctx, `
		SELECT id, subject_type, subject_id, direction, kind, quantity, unit_cost, total_cost,
		       correlation_id, note, created_at
		FROM movements
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY id
	`, string(subject), subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var mv Movement
		if err := rows.Scan(&mv.ID, &mv.SubjectType, &mv.SubjectID, &mv.Direction, &mv.Kind,
			&mv.Quantity, &mv.UnitCost, &mv.TotalCost, &mv.CorrelationID, &mv.Note, &mv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *inventoryLedger) ReplayMaterial(ctx context.Context, materialID int64) (*StockReplay, error) {
	m, err := s.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	movements, err := s.ListMovements(ctx, SubjectMaterial, materialID)
	if err != nil {
		return nil, opError("replay material", "material", materialID, err)
	}

	replay := ReplayMovements(movements)
	replay.MaterialID = materialID
	replay.StoredStock = m.Stock
	replay.StoredCost = m.UnitCost
	return &replay, nil
}

// ReplayMovements folds a material's movement log, oldest first, into the stock
// and average cost it implies.
func ReplayMovements(movements []Movement) StockReplay {
	var stock int64
	cost := decimal.Zero
	for _, mv := range movements {
		switch mv.Kind {
		case MovementPurchase:
			cost = WeightedAverage(stock, cost, mv.Quantity, mv.UnitCost)
			stock += mv.Quantity
		case MovementPurchaseReversal:
			newStock, newCost, err := ReverseWeightedAverage(stock, cost, mv.Quantity, mv.UnitCost)
			if err != nil {
				newStock = stock - mv.Quantity
			}
			stock, cost = newStock, newCost
		default:
			if mv.Direction == DirectionIn {
				stock += mv.Quantity
			} else {
				stock -= mv.Quantity
			}
		}
	}
	return StockReplay{ReplayedStock: stock, ReplayedCost: cost, Movements: len(movements)}
}

// ── TX-scoped operations ──────────────────────────────────────────────────────

func validatePurchaseLine(qty int64, unitPrice decimal.Decimal) error {
	if qty <= 0 {
		return invalidArgument("purchase quantity must be positive, got %d", qty)
	}
	if unitPrice.IsNegative() {
		return invalidArgument("unit price cannot be negative, got %s", unitPrice)
	}
	return nil
}

func lockMaterial(ctx context.Context, tx pgx.Tx, materialID int64) (stock int64, cost decimal.Decimal, err error) {
	err = tx.QueryRow(ctx,
		"SELECT stock, unit_cost FROM raw_materials WHERE id = $1 AND is_active = true FOR UPDATE",
		materialID,
	).Scan(&stock, &cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, decimal.Zero, notFound("material", materialID)
		}
		return 0, decimal.Zero, fmt.Errorf("failed to lock material: %w", err)
	}
	return stock, cost, nil
}

func (s *inventoryLedger) ApplyPurchaseTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error) {
	if err := validatePurchaseLine(qty, unitPrice); err != nil {
		return nil, err
	}

	oldStock, oldCost, err := lockMaterial(ctx, tx, materialID)
	if err != nil {
		return nil, err
	}

	newStock := oldStock + qty
	newCost := WeightedAverage(oldStock, oldCost, qty, unitPrice)

	if err := s.writeMaterial(ctx, tx, materialID, newStock, newCost); err != nil {
		return nil, err
	}

	note := ref.Note
	if note == "" {
		note = fmt.Sprintf("Purchase receipt: %d units @ %s", qty, unitPrice.String())
	}
	if err := s.insertMovement(ctx, tx, Movement{
		SubjectType:   SubjectMaterial,
		SubjectID:     materialID,
		Direction:     DirectionIn,
		Kind:          MovementPurchase,
		Quantity:      qty,
		UnitCost:      unitPrice,
		TotalCost:     decimal.NewFromInt(qty).Mul(unitPrice),
		CorrelationID: ref.CorrelationID,
		Note:          note,
	}); err != nil {
		return nil, err
	}

	metrics.PurchaseLinesApplied.Inc()
	return &PurchaseOutcome{
		MaterialID:    materialID,
		PreviousStock: oldStock,
		PreviousCost:  oldCost,
		NewStock:      newStock,
		NewCost:       newCost,
	}, nil
}

func (s *inventoryLedger) ReversePurchaseTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, unitPrice decimal.Decimal, ref MovementRef) (*PurchaseOutcome, error) {
	if err := validatePurchaseLine(qty, unitPrice); err != nil {
		return nil, err
	}

	oldStock, oldCost, err := lockMaterial(ctx, tx, materialID)
	if err != nil {
		return nil, err
	}

	newStock, newCost, err := ReverseWeightedAverage(oldStock, oldCost, qty, unitPrice)
	if err != nil {
		return nil, fmt.Errorf("cannot reverse %d units with %d on hand: %w", qty, oldStock, err)
	}

	if err := s.writeMaterial(ctx, tx, materialID, newStock, newCost); err != nil {
		return nil, err
	}

	note := ref.Note
	if note == "" {
		note = fmt.Sprintf("Purchase reversal: %d units @ %s", qty, unitPrice.String())
	}
	if err := s.insertMovement(ctx, tx, Movement{
		SubjectType:   SubjectMaterial,
		SubjectID:     materialID,
		Direction:     DirectionOut,
		Kind:          MovementPurchaseReversal,
		Quantity:      qty,
		UnitCost:      unitPrice,
		TotalCost:     decimal.NewFromInt(qty).Mul(unitPrice),
		CorrelationID: ref.CorrelationID,
		Note:          note,
	}); err != nil {
		return nil, err
	}

	metrics.PurchaseLinesReversed.Inc()
	return &PurchaseOutcome{
		MaterialID:    materialID,
		PreviousStock: oldStock,
		PreviousCost:  oldCost,
		NewStock:      newStock,
		NewCost:       newCost,
	}, nil
}

func (s *inventoryLedger) ConsumeTx(ctx context.Context, tx pgx.Tx, materialID, qty int64, ref MovementRef) error {
	if qty < 0 {
		return invalidArgument("consumption quantity cannot be negative, got %d", qty)
	}
	if qty == 0 {
		return nil
	}

	var unitCost decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE raw_materials
		SET stock = stock - $2, updated_at = $3
		WHERE id = $1 AND stock >= $2
		RETURNING unit_cost
	`, materialID, qty, s.settings.now()).Scan(&unitCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("material %d cannot supply %d units: %w", materialID, qty, ErrInsufficientStock)
		}
		return fmt.Errorf("failed to decrement material %d: %w", materialID, err)
	}

	note := ref.Note
	if note == "" {
		note = fmt.Sprintf("Consumption: %d units", qty)
	}
	return s.insertMovement(ctx, tx, Movement{
		SubjectType:   SubjectMaterial,
		SubjectID:     materialID,
		Direction:     DirectionOut,
		Kind:          MovementConsumption,
		Quantity:      qty,
		UnitCost:      unitCost,
		TotalCost:     decimal.NewFromInt(qty).Mul(unitCost),
		CorrelationID: ref.CorrelationID,
		Note:          note,
	})
}

func (s *inventoryLedger) writeMaterial(ctx context.Context, tx pgx.Tx, materialID, stock int64, cost decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE raw_materials
		SET stock = $1, unit_cost = $2, updated_at = $3
		WHERE id = $4
	`, stock, cost, s.settings.now(), materialID)
	if err != nil {
		return fmt.Errorf("failed to update material %d: %w", materialID, err)
	}
	return nil
}

func (s *inventoryLedger) insertMovement(ctx context.Context, q querier, mv Movement) error {
	return insertMovement(ctx, q, s.settings.now(), mv)
}

func insertMovement(ctx context.Context, q querier, at time.Time, mv Movement) error {
	_, err := q.Exec(ctx, `
		INSERT INTO movements (subject_type, subject_id, direction, kind, quantity, unit_cost, total_cost,
		                       correlation_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, string(mv.SubjectType), mv.SubjectID, string(mv.Direction), string(mv.Kind), mv.Quantity,
		mv.UnitCost, mv.TotalCost, mv.CorrelationID, mv.Note, at)
	if err != nil {
		return fmt.Errorf("failed to insert %s movement for %s %d: %w", mv.Kind, mv.SubjectType, mv.SubjectID, err)
	}
	return nil
}
