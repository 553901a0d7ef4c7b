package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ComponentReporter writes component-level movements that mirror material
// purchases. They exist for reports only: nothing reads them back to derive
// stock or cost, so a lost job costs nothing but a gap in the report.
type ComponentReporter struct {
	pool     *pgxpool.Pool
	calc     CostCalculator
	settings Settings
	logger   *slog.Logger
}

func NewComponentReporter(pool *pgxpool.Pool, calc CostCalculator, settings Settings, logger *slog.Logger) *ComponentReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComponentReporter{pool: pool, calc: calc, settings: settings, logger: logger}
}

// Handle is the JobComponentMovements handler. For every non-void line of the
// purchase whose material is in job.MaterialIDs (all lines when empty) and
// every active component using that material, it records how many component
// units the received quantity is enough for.
func (r *ComponentReporter) Handle(ctx context.Context, job Job) error {
	if job.Kind != JobComponentMovements {
		return fmt.Errorf("component reporter cannot handle %q jobs", job.Kind)
	}
	lines, err := purchaseLines(ctx, r.pool, job.PurchaseID, false)
	if err != nil {
		return err
	}
	wanted := make(map[int64]bool, len(job.MaterialIDs))
	for _, id := range job.MaterialIDs {
		wanted[id] = true
	}

	correlation := purchaseCorrelation(job.PurchaseID)
	written := 0
	for _, line := range lines {
		if len(wanted) > 0 && !wanted[line.MaterialID] {
			continue
		}
		uses, err := r.materialUses(ctx, line.MaterialID)
		if err != nil {
			return err
		}
		for _, u := range uses {
			units := UnitsProducible(line.Quantity, u.perUnit)
			if units == 0 {
				continue
			}
			cost, err := r.calc.ComponentUnitCost(ctx, u.componentID)
			if err != nil {
				return err
			}
			if err := insertMovement(ctx, r.pool, r.settings.now(), Movement{
				SubjectType:   SubjectComponent,
				SubjectID:     u.componentID,
				Direction:     DirectionIn,
				Kind:          MovementComponentReport,
				Quantity:      units,
				UnitCost:      cost.UnitCost,
				TotalCost:     cost.UnitCost.Mul(decimal.NewFromInt(units)),
				CorrelationID: correlation,
				Note: fmt.Sprintf("Material %d received: %d units, enough for %d component units",
					line.MaterialID, line.Quantity, units),
			}); err != nil {
				return err
			}
			written++
		}
	}
	r.logger.Debug("component movements reported", "purchase_id", job.PurchaseID, "movements", written)
	return nil
}

type materialUse struct {
	componentID int64
	perUnit     decimal.Decimal
}

func (r *ComponentReporter) materialUses(ctx context.Context, materialID int64) ([]materialUse, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cm.component_id, cm.quantity_needed, cm.conversion_factor, cm.waste_percentage
		FROM component_materials cm
		JOIN components c ON c.id = cm.component_id
		WHERE cm.material_id = $1 AND cm.is_active = true AND c.is_active = true
		ORDER BY cm.component_id
	`, materialID)
	if err != nil {
		return nil, fmt.Errorf("failed to query material uses: %w", err)
	}
	defer rows.Close()

	var uses []materialUse
	for rows.Next() {
		var (
			u                materialUse
			qty, conv, waste decimal.Decimal
		)
		if err := rows.Scan(&u.componentID, &qty, &conv, &waste); err != nil {
			return nil, fmt.Errorf("failed to scan material use: %w", err)
		}
		u.perUnit = QuantityWithWaste(qty, conv, waste)
		uses = append(uses, u)
	}
	return uses, rows.Err()
}
