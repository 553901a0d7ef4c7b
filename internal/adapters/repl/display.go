package repl

import (
	"fmt"
	"io"
	"strings"

	"hydro-costing/internal/app"
	"hydro-costing/internal/core"
)

func printMaterials(w io.Writer, result *app.MaterialListResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 66))
	fmt.Fprintf(w, "  %-62s\n", "RAW MATERIALS")
	fmt.Fprintln(w, strings.Repeat("=", 66))
	if len(result.Materials) == 0 {
		fmt.Fprintln(w, "  No materials found.")
		fmt.Fprintln(w, strings.Repeat("=", 66))
		return
	}
	fmt.Fprintf(w, "  %-6s %-28s %-6s %10s %12s\n", "ID", "NAME", "UNIT", "STOCK", "UNIT COST")
	fmt.Fprintln(w, strings.Repeat("-", 66))
	for _, m := range result.Materials {
		fmt.Fprintf(w, "  %-6d %-28s %-6s %10d %12s\n",
			m.Material.ID, m.Material.Name, m.Material.Unit, m.Material.Stock, m.DisplayCost.StringFixed(2))
	}
	fmt.Fprintln(w, strings.Repeat("=", 66))
}

func printMovements(w io.Writer, result *app.MovementListResult) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  MOVEMENTS: %s %d\n", result.Subject, result.SubjectID)
	fmt.Fprintln(w, strings.Repeat("-", 78))
	if len(result.Movements) == 0 {
		fmt.Fprintln(w, "  No movements.")
		return
	}
	for _, mv := range result.Movements {
		fmt.Fprintf(w, "  %s  %-3s %-18s %8d @ %10s  %s\n",
			mv.CreatedAt.Format("2006-01-02 15:04"), mv.Direction, mv.Kind, mv.Quantity,
			mv.UnitCost.StringFixed(2), mv.Note)
	}
}

func printComponentCost(w io.Writer, result *app.ComponentCostResult) {
	fmt.Fprintf(w, "\nComponent %d unit cost: %s\n", result.Cost.ComponentID, result.DisplayCost.StringFixed(2))
	if result.Cost.LowConfidence {
		fmt.Fprintln(w, "  (no active composition: legacy fallback, low confidence)")
		return
	}
	fmt.Fprintf(w, "  %-28s %10s %12s %12s\n", "MATERIAL", "QTY+WASTE", "UNIT COST", "CONTRIB")
	for _, l := range result.Cost.Lines {
		fmt.Fprintf(w, "  %-28s %10s %12s %12s\n",
			l.MaterialName, l.QuantityWithWaste.String(), l.MaterialCost.StringFixed(2), l.Contribution.StringFixed(2))
	}
}

func printProductCost(w io.Writer, result *app.ProductCostResult) {
	fmt.Fprintf(w, "\nProduct %d cost: %s\n", result.Cost.ProductID, result.DisplayCost.StringFixed(2))
	for _, c := range result.Cost.Components {
		flag := ""
		if c.LowConfidence {
			flag = " (low confidence)"
		}
		fmt.Fprintf(w, "  component %-6d x %-6s @ %10s = %10s%s\n",
			c.ComponentID, c.QuantityNeeded.String(), c.UnitCost.StringFixed(2), c.Contribution.StringFixed(2), flag)
	}
}

func printCascade(w io.Writer, result *core.CascadeResult) {
	fmt.Fprintf(w, "\nCascade from %s %d: %d repriced, %d failed\n",
		result.Trigger.Subject, result.Trigger.ID, len(result.Succeeded), len(result.Failed))
	for _, c := range result.Repriced {
		fmt.Fprintf(w, "  product %-6d %10s -> %10s  (margin %s)\n",
			c.ProductID, c.OldPrice.StringFixed(2), c.NewPrice.StringFixed(2), c.Margin.StringFixed(4))
	}
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  product %-6d FAILED: %s\n", f.ProductID, f.Reason)
	}
}

func printPurchaseResult(w io.Writer, result *core.PurchaseResult) {
	fmt.Fprintf(w, "\nPurchase %d recorded (%d lines).\n", result.Purchase.ID, len(result.Purchase.Lines))
	for _, o := range result.Outcomes {
		fmt.Fprintf(w, "  material %-6d stock %d -> %d, cost %s -> %s\n",
			o.MaterialID, o.PreviousStock, o.NewStock, o.PreviousCost.StringFixed(2), o.NewCost.StringFixed(2))
	}
	for i := range result.Cascades {
		printCascade(w, &result.Cascades[i])
	}
}

func printLedgerCheck(w io.Writer, result *app.LedgerCheckResult) {
	if result.OK() {
		fmt.Fprintf(w, "Ledger consistent: %d materials match their movement log.\n", result.Checked)
		return
	}
	fmt.Fprintf(w, "Ledger MISMATCH in %d of %d materials:\n", len(result.Inconsistent), result.Checked)
	for _, r := range result.Inconsistent {
		fmt.Fprintf(w, "  material %-6d stored %d, replayed %d (%d movements)\n",
			r.MaterialID, r.StoredStock, r.ReplayedStock, r.Movements)
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `Commands:
  /materials                          List raw materials
  /add-material <name> [unit]         Add a raw material
  /movements <material|component> <id>
  /cost <component|product> <id>      Explode cost through the BOM
  /quote <product-id> <margin>        Price under a margin (not stored)
  /reprice <product-id> <margin>      Store a new price
  /recalc <material|component> <id>   Run the price cascade
  /purchase                           Record a supplier purchase
  /avail <component|product> <id>     Units producible from stock
  /consume <component-id> <qty>       Draw materials for components
  /sell <product-id> <qty>            Draw materials for products
  /verify                             Replay the ledger
  /exit`)
}
