package repl_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"hydro-costing/internal/adapters/repl"
	"hydro-costing/internal/app"
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

type fakeService struct {
	app.ApplicationService

	purchase app.RecordPurchaseRequest
	sold     app.ConsumeRequest
}

func (f *fakeService) QuotePrice(_ context.Context, productID int64, margin decimal.Decimal) (*core.PriceQuote, error) {
	cost := decimal.RequireFromString("13.2")
	return &core.PriceQuote{
		ProductID: productID,
		Cost:      cost,
		Margin:    margin,
		Price:     core.RoundCurrency(core.ApplyMargin(cost, margin), 2),
	}, nil
}

func (f *fakeService) RecordPurchase(_ context.Context, req app.RecordPurchaseRequest) (*core.PurchaseResult, error) {
	f.purchase = req
	return &core.PurchaseResult{Purchase: &core.Purchase{ID: 1}}, nil
}

func (f *fakeService) SellProduct(_ context.Context, req app.ConsumeRequest) error {
	f.sold = req
	if req.Quantity > 5 {
		return fmt.Errorf("reduce product: %w", core.ErrInsufficientStock)
	}
	return nil
}

func run(t *testing.T, svc app.ApplicationService, input string) string {
	t.Helper()
	var out bytes.Buffer
	repl.Run(context.Background(), svc, bufio.NewReader(strings.NewReader(input)), &out)
	return out.String()
}

func TestQuote(t *testing.T) {
	out := run(t, &fakeService{}, "/quote 7 0.25\n/exit\n")
	if !strings.Contains(out, "price 16.50") {
		t.Errorf("missing rounded price in output:\n%s", out)
	}
	if !strings.Contains(out, "Goodbye!") {
		t.Errorf("REPL did not exit cleanly:\n%s", out)
	}
}

func TestPurchaseWizard(t *testing.T) {
	svc := &fakeService{}
	input := strings.Join([]string{
		"/purchase",
		"4 10 10.00",
		"bad line",
		"5 0 1",
		"6 3 2.5",
		"done",
		"12",
		"INV-9",
		"/exit",
	}, "\n") + "\n"
	out := run(t, svc, input)

	if got := len(svc.purchase.Lines); got != 2 {
		t.Fatalf("lines recorded = %d, want 2\n%s", got, out)
	}
	if svc.purchase.Lines[0].MaterialID != 4 || svc.purchase.Lines[0].Quantity != 10 {
		t.Errorf("first line = %+v", svc.purchase.Lines[0])
	}
	if svc.purchase.SupplierID == nil || *svc.purchase.SupplierID != 12 {
		t.Errorf("supplier = %v, want 12", svc.purchase.SupplierID)
	}
	if svc.purchase.Reference != "INV-9" {
		t.Errorf("reference = %q, want INV-9", svc.purchase.Reference)
	}
	if !strings.Contains(out, "Purchase 1 recorded") {
		t.Errorf("missing confirmation:\n%s", out)
	}
}

func TestPurchaseWizardCancel(t *testing.T) {
	svc := &fakeService{}
	out := run(t, svc, "/purchase\n4 10 10\ncancel\n/exit\n")
	if svc.purchase.Lines != nil {
		t.Error("cancelled purchase must not be recorded")
	}
	if !strings.Contains(out, "Purchase cancelled.") {
		t.Errorf("missing cancel message:\n%s", out)
	}
}

func TestSellInsufficientStock(t *testing.T) {
	svc := &fakeService{}
	out := run(t, svc, "/sell 3 9\n")
	if svc.sold.ID != 3 || svc.sold.Quantity != 9 {
		t.Errorf("sell request = %+v", svc.sold)
	}
	if !strings.Contains(out, "Not enough stock") {
		t.Errorf("missing insufficient stock message:\n%s", out)
	}
}

func TestUnknownAndPlainInput(t *testing.T) {
	out := run(t, &fakeService{}, "hello\n/frobnicate\n")
	if !strings.Contains(out, "Commands start with '/'") {
		t.Errorf("plain input not rejected:\n%s", out)
	}
	if !strings.Contains(out, "Unknown command: /frobnicate") {
		t.Errorf("unknown command not reported:\n%s", out)
	}
}
