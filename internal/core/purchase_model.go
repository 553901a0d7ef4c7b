package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase is a supplier receipt header.
type Purchase struct {
	ID         int64          `json:"id"`
	SupplierID *int64         `json:"supplier_id,omitempty"`
	Reference  string         `json:"reference"`
	CreatedAt  time.Time      `json:"created_at"`
	Lines      []PurchaseLine `json:"lines"`
}

// PurchaseLine is immutable except through EditPurchaseLine and
// DeletePurchaseLine, both of which reverse the ledger effect first.
type PurchaseLine struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id"`
	MaterialID int64           `json:"material_id"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	IsVoid     bool            `json:"is_void"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type PurchaseLineInput struct {
	MaterialID int64           `json:"material_id"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type PurchaseInput struct {
	SupplierID *int64              `json:"supplier_id,omitempty"`
	Reference  string              `json:"reference"`
	Lines      []PurchaseLineInput `json:"lines"`
}

func (in PurchaseInput) Validate() error {
	if len(in.Lines) == 0 {
		return invalidArgument("purchase has no lines")
	}
	for i, l := range in.Lines {
		if l.MaterialID <= 0 {
			return invalidArgument("line %d: material id is required", i+1)
		}
		if err := validatePurchaseLine(l.Quantity, l.UnitPrice); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

// PurchaseResult reports the committed purchase and everything that ran after
// the commit. Cascade failures show up in Cascades, never as an error.
type PurchaseResult struct {
	Purchase *Purchase         `json:"purchase"`
	Outcomes []PurchaseOutcome `json:"outcomes"`
	Cascades []CascadeResult   `json:"cascades"`
	JobID    string            `json:"job_id,omitempty"`
}

// PurchaseLineResult is the result of editing or voiding one line.
type PurchaseLineResult struct {
	Line    *PurchaseLine   `json:"line"`
	Outcome PurchaseOutcome `json:"outcome"`
	Cascade *CascadeResult  `json:"cascade,omitempty"`
}

// PurchaseService records supplier purchases against the inventory ledger.
type PurchaseService interface {
	// RecordPurchase applies every line in one transaction, then runs the price
	// cascade for each material whose average cost moved, then queues the
	// component reporting job.
	RecordPurchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error)
	GetPurchase(ctx context.Context, purchaseID int64) (*Purchase, error)
	// EditPurchaseLine reverses the line's original effect and applies the new
	// values in one transaction. The reversal is approximate when later
	// purchases of the same material exist.
	EditPurchaseLine(ctx context.Context, lineID, qty int64, unitPrice decimal.Decimal) (*PurchaseLineResult, error)
	// DeletePurchaseLine reverses the line and marks it void.
	DeletePurchaseLine(ctx context.Context, lineID int64) (*PurchaseLineResult, error)
}
