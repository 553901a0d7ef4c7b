package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type purchaseService struct {
	pool     *pgxpool.Pool
	runner   txRunner
	ledger   InventoryLedger
	cascade  PriceCascade
	queue    *Queue
	settings Settings
	logger   *slog.Logger
}

// NewPurchaseService wires purchases to the ledger and the cascade. queue may be
// nil, in which case no reporting jobs are produced.
func NewPurchaseService(pool *pgxpool.Pool, ledger InventoryLedger, cascade PriceCascade, queue *Queue, settings Settings, logger *slog.Logger) PurchaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &purchaseService{
		pool:     pool,
		runner:   txRunner{pool: pool, settings: settings},
		ledger:   ledger,
		cascade:  cascade,
		queue:    queue,
		settings: settings,
		logger:   logger,
	}
}

func purchaseCorrelation(purchaseID int64) string {
	return fmt.Sprintf("purchase:%d", purchaseID)
}

func (s *purchaseService) RecordPurchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error) {
	const op = "record purchase"
	if err := input.Validate(); err != nil {
		return nil, opError(op, "", 0, err)
	}

	// Lock materials in id order so concurrent multi-line purchases cannot deadlock.
	order := make([]int, len(input.Lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input.Lines[order[a]].MaterialID < input.Lines[order[b]].MaterialID
	})

	var (
		purchase *Purchase
		outcomes []PurchaseOutcome
	)
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		if input.SupplierID != nil {
			if err := requireSupplier(ctx, tx, *input.SupplierID); err != nil {
				return err
			}
		}

		purchase = &Purchase{SupplierID: input.SupplierID, Reference: strings.TrimSpace(input.Reference)}
		if err := tx.QueryRow(ctx, `
			INSERT INTO purchases (supplier_id, reference, created_at)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, input.SupplierID, purchase.Reference, s.settings.now()).Scan(&purchase.ID, &purchase.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert purchase: %w", err)
		}

		lines := make([]PurchaseLine, len(input.Lines))
		outcomes = make([]PurchaseOutcome, len(input.Lines))
		ref := MovementRef{CorrelationID: purchaseCorrelation(purchase.ID)}
		for _, i := range order {
			in := input.Lines[i]
			outcome, err := s.ledger.ApplyPurchaseTx(ctx, tx, in.MaterialID, in.Quantity, in.UnitPrice, ref)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			line, err := insertPurchaseLine(ctx, tx, purchase.ID, in, s.settings)
			if err != nil {
				return err
			}
			lines[i] = *line
			outcomes[i] = *outcome
		}
		purchase.Lines = lines
		return nil
	})
	if err != nil {
		return nil, opError(op, "", 0, err)
	}

	s.logger.Info("purchase recorded", "purchase_id", purchase.ID, "lines", len(purchase.Lines))

	result := &PurchaseResult{Purchase: purchase, Outcomes: outcomes, Cascades: []CascadeResult{}}
	changes := netCostChanges(outcomes)
	baseline := BaselineOf(changes...)
	for _, change := range changes {
		cr, err := s.cascade.OnMaterialCostChanged(ctx, change.MaterialID, change.NewCost, baseline)
		if err != nil {
			s.logger.Error("cascade could not start after purchase",
				"purchase_id", purchase.ID, "material_id", change.MaterialID, "error", err)
			continue
		}
		result.Cascades = append(result.Cascades, *cr)
	}

	if s.queue != nil {
		materialIDs := make([]int64, 0, len(purchase.Lines))
		seen := make(map[int64]bool)
		for _, l := range purchase.Lines {
			if !seen[l.MaterialID] {
				seen[l.MaterialID] = true
				materialIDs = append(materialIDs, l.MaterialID)
			}
		}
		if id, ok := s.queue.Enqueue(Job{Kind: JobComponentMovements, PurchaseID: purchase.ID, MaterialIDs: materialIDs}); ok {
			result.JobID = id
		}
	}
	return result, nil
}

// netCostChanges collapses per-line outcomes into one entry per material, from
// the cost before its first line to the cost after its last, keeping only
// materials whose average actually moved. Ordered by material id.
func netCostChanges(outcomes []PurchaseOutcome) []PurchaseOutcome {
	byMaterial := make(map[int64]*PurchaseOutcome)
	var ids []int64
	for _, o := range outcomes {
		o := o
		if net, ok := byMaterial[o.MaterialID]; ok {
			if o.PreviousStock < net.PreviousStock {
				net.PreviousStock, net.PreviousCost = o.PreviousStock, o.PreviousCost
			}
			if o.NewStock > net.NewStock {
				net.NewStock, net.NewCost = o.NewStock, o.NewCost
			}
			continue
		}
		byMaterial[o.MaterialID] = &o
		ids = append(ids, o.MaterialID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var changed []PurchaseOutcome
	for _, id := range ids {
		if net := byMaterial[id]; net.CostChanged() {
			changed = append(changed, *net)
		}
	}
	return changed
}

func (s *purchaseService) GetPurchase(ctx context.Context, purchaseID int64) (*Purchase, error) {
	p := &Purchase{}
	err := s.pool.QueryRow(ctx,
		"SELECT id, supplier_id, reference, created_at FROM purchases WHERE id = $1", purchaseID,
	).Scan(&p.ID, &p.SupplierID, &p.Reference, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, opError("get purchase", "purchase", purchaseID, notFound("purchase", purchaseID))
		}
		return nil, fmt.Errorf("failed to fetch purchase %d: %w", purchaseID, err)
	}
	lines, err := purchaseLines(ctx, s.pool, purchaseID, true)
	if err != nil {
		return nil, opError("get purchase", "purchase", purchaseID, err)
	}
	p.Lines = lines
	return p, nil
}

func (s *purchaseService) EditPurchaseLine(ctx context.Context, lineID, qty int64, unitPrice decimal.Decimal) (*PurchaseLineResult, error) {
	const op = "edit purchase line"
	if err := validatePurchaseLine(qty, unitPrice); err != nil {
		return nil, opError(op, "purchase line", lineID, err)
	}

	var result *PurchaseLineResult
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		line, err := lockPurchaseLine(ctx, tx, lineID)
		if err != nil {
			return err
		}
		ref := MovementRef{
			CorrelationID: purchaseCorrelation(line.PurchaseID),
			Note:          fmt.Sprintf("Edit of purchase line %d: reversing %d units @ %s", lineID, line.Quantity, line.UnitPrice),
		}
		reversed, err := s.ledger.ReversePurchaseTx(ctx, tx, line.MaterialID, line.Quantity, line.UnitPrice, ref)
		if err != nil {
			return err
		}
		ref.Note = fmt.Sprintf("Edit of purchase line %d: applying %d units @ %s", lineID, qty, unitPrice)
		applied, err := s.ledger.ApplyPurchaseTx(ctx, tx, line.MaterialID, qty, unitPrice, ref)
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
			UPDATE purchase_lines SET quantity = $1, unit_price = $2, updated_at = $3
			WHERE id = $4
			RETURNING updated_at
		`, qty, unitPrice, s.settings.now(), lineID).Scan(&line.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update purchase line: %w", err)
		}
		line.Quantity, line.UnitPrice = qty, unitPrice

		result = &PurchaseLineResult{
			Line: line,
			Outcome: PurchaseOutcome{
				MaterialID:    line.MaterialID,
				PreviousStock: reversed.PreviousStock,
				PreviousCost:  reversed.PreviousCost,
				NewStock:      applied.NewStock,
				NewCost:       applied.NewCost,
			},
		}
		return nil
	})
	if err != nil {
		return nil, opError(op, "purchase line", lineID, err)
	}
	s.cascadeAfterLine(ctx, result)
	return result, nil
}

func (s *purchaseService) DeletePurchaseLine(ctx context.Context, lineID int64) (*PurchaseLineResult, error) {
	const op = "delete purchase line"
	var result *PurchaseLineResult
	err := s.runner.run(ctx, op, func(tx pgx.Tx) error {
		line, err := lockPurchaseLine(ctx, tx, lineID)
		if err != nil {
			return err
		}
		ref := MovementRef{
			CorrelationID: purchaseCorrelation(line.PurchaseID),
			Note:          fmt.Sprintf("Void of purchase line %d: %d units @ %s", lineID, line.Quantity, line.UnitPrice),
		}
		reversed, err := s.ledger.ReversePurchaseTx(ctx, tx, line.MaterialID, line.Quantity, line.UnitPrice, ref)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			UPDATE purchase_lines SET is_void = true, updated_at = $1
			WHERE id = $2
			RETURNING updated_at
		`, s.settings.now(), lineID).Scan(&line.UpdatedAt); err != nil {
			return fmt.Errorf("failed to void purchase line: %w", err)
		}
		line.IsVoid = true
		result = &PurchaseLineResult{Line: line, Outcome: *reversed}
		return nil
	})
	if err != nil {
		return nil, opError(op, "purchase line", lineID, err)
	}
	s.cascadeAfterLine(ctx, result)
	return result, nil
}

func (s *purchaseService) cascadeAfterLine(ctx context.Context, result *PurchaseLineResult) {
	if !result.Outcome.CostChanged() {
		return
	}
	cr, err := s.cascade.OnMaterialCostChanged(ctx, result.Outcome.MaterialID, result.Outcome.NewCost, BaselineOf(result.Outcome))
	if err != nil {
		s.logger.Error("cascade could not start after line change",
			"line_id", result.Line.ID, "material_id", result.Outcome.MaterialID, "error", err)
		return
	}
	result.Cascade = cr
}

// ── Line persistence ──────────────────────────────────────────────────────────

const purchaseLineColumns = `id, purchase_id, material_id, quantity, unit_price, is_void, created_at, updated_at`

func scanPurchaseLine(row pgx.Row) (*PurchaseLine, error) {
	var l PurchaseLine
	if err := row.Scan(&l.ID, &l.PurchaseID, &l.MaterialID, &l.Quantity, &l.UnitPrice,
		&l.IsVoid, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func insertPurchaseLine(ctx context.Context, tx pgx.Tx, purchaseID int64, in PurchaseLineInput, settings Settings) (*PurchaseLine, error) {
	now := settings.now()
	line, err := scanPurchaseLine(tx.QueryRow(ctx, `
		INSERT INTO purchase_lines (purchase_id, material_id, quantity, unit_price, is_void, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, $5, $5)
		RETURNING `+purchaseLineColumns,
		purchaseID, in.MaterialID, in.Quantity, in.UnitPrice, now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase line for material %d: %w", in.MaterialID, err)
	}
	return line, nil
}

func lockPurchaseLine(ctx context.Context, tx pgx.Tx, lineID int64) (*PurchaseLine, error) {
	line, err := scanPurchaseLine(tx.QueryRow(ctx,
		"SELECT "+purchaseLineColumns+" FROM purchase_lines WHERE id = $1 FOR UPDATE", lineID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("purchase line", lineID)
		}
		return nil, fmt.Errorf("failed to lock purchase line: %w", err)
	}
	if line.IsVoid {
		return nil, invalidArgument("purchase line %d is void", lineID)
	}
	return line, nil
}

func purchaseLines(ctx context.Context, q querier, purchaseID int64, includeVoid bool) ([]PurchaseLine, error) {
	rows, err := q.Query(ctx, `
		SELECT `+purchaseLineColumns+`
		FROM purchase_lines
		WHERE purchase_id = $1 AND ($2 OR is_void = false)
		ORDER BY id
	`, purchaseID, includeVoid)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase lines: %w", err)
	}
	defer rows.Close()

	var lines []PurchaseLine
	for rows.Next() {
		l, err := scanPurchaseLine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase line: %w", err)
		}
		lines = append(lines, *l)
	}
	return lines, rows.Err()
}
