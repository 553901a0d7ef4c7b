package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hydro-costing/internal/app"
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

var errExit = errors.New("exit")

// Run starts the interactive REPL loop. It reads commands from reader and
// dispatches slash commands until /exit or end of input.
func Run(ctx context.Context, svc app.ApplicationService, reader *bufio.Reader, out io.Writer) {
	fmt.Fprintln(out, "Hydro Costing")
	fmt.Fprintln(out, "Inventory valuation, BOM costing and price cascade. Type /help for commands.")
	fmt.Fprintln(out, strings.Repeat("-", 70))

	r := &session{ctx: ctx, svc: svc, reader: reader, out: out}
	for {
		fmt.Fprint(out, "\n> ")
		input, readErr := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "" {
			if readErr != nil {
				fmt.Fprintln(out, "Goodbye!")
				return
			}
			continue
		}

		if !strings.HasPrefix(input, "/") {
			fmt.Fprintln(out, "Commands start with '/'. Type /help for the list.")
			continue
		}
		if err := r.dispatch(input); err != nil {
			if errors.Is(err, errExit) {
				fmt.Fprintln(out, "Goodbye!")
				return
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if readErr != nil {
			fmt.Fprintln(out, "Goodbye!")
			return
		}
	}
}

type session struct {
	ctx    context.Context
	svc    app.ApplicationService
	reader *bufio.Reader
	out    io.Writer
}

func (r *session) dispatch(input string) error {
	tokens := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(tokens) == 0 {
		return nil
	}
	cmd := strings.ToLower(tokens[0])
	args := tokens[1:]
	ctx, svc := r.ctx, r.svc

	switch cmd {
	case "materials", "mats":
		result, err := svc.ListMaterials(ctx)
		if err != nil {
			return err
		}
		printMaterials(r.out, result)

	case "add-material":
		if len(args) < 1 {
			fmt.Fprintln(r.out, "Usage: /add-material <name> [unit]")
			return nil
		}
		unit := ""
		if len(args) > 1 {
			unit = args[1]
		}
		result, err := svc.CreateMaterial(ctx, app.CreateMaterialRequest{Name: args[0], Unit: unit})
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Material %d created: %s (%s)\n", result.Material.ID, result.Material.Name, result.Material.Unit)

	case "movements":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "Usage: /movements <material|component> <id>")
			return nil
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		result, err := svc.ListMovements(ctx, core.SubjectType(strings.ToLower(args[0])), id)
		if err != nil {
			return err
		}
		printMovements(r.out, result)

	case "cost":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "Usage: /cost <component|product> <id>")
			return nil
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		switch strings.ToLower(args[0]) {
		case "component", "c":
			result, err := svc.ComponentCost(ctx, id)
			if err != nil {
				return err
			}
			printComponentCost(r.out, result)
		case "product", "p":
			result, err := svc.ProductCost(ctx, id)
			if err != nil {
				return err
			}
			printProductCost(r.out, result)
		default:
			fmt.Fprintln(r.out, "Usage: /cost <component|product> <id>")
		}

	case "quote", "reprice":
		if len(args) < 2 {
			fmt.Fprintf(r.out, "Usage: /%s <product-id> <margin>\n", cmd)
			return nil
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		margin, err := decimal.NewFromString(args[1])
		if err != nil {
			fmt.Fprintf(r.out, "Invalid margin: %s\n", args[1])
			return nil
		}
		if cmd == "quote" {
			q, err := svc.QuotePrice(ctx, id, margin)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "Product %d: cost %s, margin %s, price %s\n",
				q.ProductID, q.Cost.StringFixed(2), margin.String(), q.Price.StringFixed(2))
			if q.LowConfidence {
				fmt.Fprintln(r.out, "WARNING: cost includes uncomposed components (low confidence).")
			}
			return nil
		}
		change, err := svc.RepriceProduct(ctx, id, margin)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Product %d repriced: %s -> %s\n",
			change.ProductID, change.OldPrice.StringFixed(2), change.NewPrice.StringFixed(2))

	case "recalc":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "Usage: /recalc <material|component> <id>")
			return nil
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		var result *core.CascadeResult
		switch strings.ToLower(args[0]) {
		case "material", "m":
			result, err = svc.RecalculateMaterial(ctx, id)
		case "component", "c":
			result, err = svc.RecalculateComponent(ctx, id)
		default:
			fmt.Fprintln(r.out, "Usage: /recalc <material|component> <id>")
			return nil
		}
		if err != nil {
			return err
		}
		printCascade(r.out, result)

	case "purchase", "buy":
		return r.purchaseWizard()

	case "avail":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "Usage: /avail <component|product> <id>")
			return nil
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		var result *app.AvailabilityResult
		switch strings.ToLower(args[0]) {
		case "component", "c":
			result, err = svc.ComponentAvailability(ctx, id)
		case "product", "p":
			result, err = svc.ProductAvailability(ctx, id)
		default:
			fmt.Fprintln(r.out, "Usage: /avail <component|product> <id>")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s %d: %d units can be produced\n", result.Subject, result.ID, result.Available)

	case "sell", "consume":
		if len(args) < 2 {
			fmt.Fprintf(r.out, "Usage: /%s <id> <qty>\n", cmd)
			return nil
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		qty, err := parseID(args[1])
		if err != nil {
			return err
		}
		req := app.ConsumeRequest{ID: id, Quantity: qty, CorrelationID: "repl:" + cmd}
		if cmd == "sell" {
			err = svc.SellProduct(ctx, req)
		} else {
			err = svc.ConsumeComponent(ctx, req)
		}
		if errors.Is(err, core.ErrInsufficientStock) {
			fmt.Fprintf(r.out, "Not enough stock: %v\n", err)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Consumed materials for %d units.\n", qty)

	case "verify":
		result, err := svc.VerifyLedger(ctx)
		if err != nil {
			return err
		}
		printLedgerCheck(r.out, result)

	case "help", "h":
		printHelp(r.out)

	case "exit", "quit", "e", "q":
		return errExit

	default:
		fmt.Fprintf(r.out, "Unknown command: /%s  (type /help for all commands)\n", cmd)
	}
	return nil
}

func parseID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
