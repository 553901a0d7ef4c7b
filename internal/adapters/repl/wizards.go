package repl

import (
	"fmt"
	"strconv"
	"strings"

	"hydro-costing/internal/app"
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

// purchaseWizard runs an interactive purchase entry session.
func (r *session) purchaseWizard() error {
	fmt.Fprintln(r.out, "Recording a supplier purchase.")
	fmt.Fprintln(r.out, "Enter lines. Type 'done' when finished, 'cancel' to abort.")
	fmt.Fprintln(r.out, "Format per line: <material-id> <quantity> <unit-price>")
	fmt.Fprintln(r.out, "  Example: 4 10 5.00")

	var lines []core.PurchaseLineInput
	lineNum := 1
	for {
		fmt.Fprintf(r.out, "  Line %d: ", lineNum)
		raw, err := r.reader.ReadString('\n')
		raw = strings.TrimSpace(raw)
		if strings.ToLower(raw) == "cancel" {
			fmt.Fprintln(r.out, "Purchase cancelled.")
			return nil
		}
		if strings.ToLower(raw) == "done" || (raw == "" && err != nil) {
			break
		}
		if raw == "" {
			continue
		}

		parts := strings.Fields(raw)
		if len(parts) < 3 {
			fmt.Fprintln(r.out, "  Invalid format. Use: <material-id> <quantity> <unit-price>")
			continue
		}
		materialID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || materialID <= 0 {
			fmt.Fprintln(r.out, "  Invalid material id.")
			continue
		}
		qty, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || qty <= 0 {
			fmt.Fprintln(r.out, "  Invalid quantity.")
			continue
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || price.IsNegative() {
			fmt.Fprintln(r.out, "  Invalid price.")
			continue
		}

		lines = append(lines, core.PurchaseLineInput{MaterialID: materialID, Quantity: qty, UnitPrice: price})
		lineNum++
	}

	if len(lines) == 0 {
		fmt.Fprintln(r.out, "No lines entered. Purchase not recorded.")
		return nil
	}

	fmt.Fprint(r.out, "Supplier id (optional): ")
	supplierInput, _ := r.reader.ReadString('\n')
	var supplierID *int64
	if s := strings.TrimSpace(supplierInput); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid supplier id %q", s)
		}
		supplierID = &id
	}

	fmt.Fprint(r.out, "Reference (optional): ")
	reference, _ := r.reader.ReadString('\n')

	result, err := r.svc.RecordPurchase(r.ctx, app.RecordPurchaseRequest{
		SupplierID: supplierID,
		Reference:  strings.TrimSpace(reference),
		Lines:      lines,
	})
	if err != nil {
		return err
	}
	printPurchaseResult(r.out, result)
	return nil
}
