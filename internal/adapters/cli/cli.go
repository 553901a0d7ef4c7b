package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hydro-costing/internal/app"
	"hydro-costing/internal/core"

	"github.com/shopspring/decimal"
)

const usage = `Available commands:
  materials | material <id> | material-add <name> [unit] | material-delete <id>
  movements <material|component> <id> | verify
  component-add <name> | product-add <name> <price> | product <id>
  bom-set <component> <material> <qty> [conversion] [waste] [principal] | bom-unset <component> <material>
  recipe-set <product> <component> <qty> | recipe-unset <product> <component>
  cost-component <id> | cost-product <id> | quote <product> <margin> | reprice <product> <margin>
  recalc-material <id> | recalc-component <id>
  purchase (JSON on stdin) | purchase-get <id> | purchase-edit <line> <qty> <price> | purchase-void <line>
  avail-component <id> | avail-product <id> | consume <component> <qty> | sell <product> <qty>
  party-add (JSON on stdin) | party <id>
  schema [name]`

// Run executes a one-shot CLI command. args is os.Args[1:]; the first element
// is the subcommand name. Results are written to out as indented JSON.
func Run(ctx context.Context, svc app.ApplicationService, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given\n%s", usage)
	}
	c := command{ctx: ctx, svc: svc, args: args[1:], in: in, out: out}

	switch args[0] {
	case "materials", "mats":
		return c.emit(svc.ListMaterials(ctx))
	case "material", "mat":
		id, err := c.id(0, "material id")
		if err != nil {
			return err
		}
		return c.emit(svc.GetMaterial(ctx, id))
	case "material-add":
		if err := c.need(1, "material-add <name> [unit]"); err != nil {
			return err
		}
		return c.emit(svc.CreateMaterial(ctx, app.CreateMaterialRequest{Name: c.args[0], Unit: c.opt(1)}))
	case "material-delete":
		id, err := c.id(0, "material id")
		if err != nil {
			return err
		}
		return c.emit(svc.DeleteMaterial(ctx, id))
	case "movements", "mv":
		if err := c.need(2, "movements <material|component> <id>"); err != nil {
			return err
		}
		id, err := c.id(1, "subject id")
		if err != nil {
			return err
		}
		return c.emit(svc.ListMovements(ctx, core.SubjectType(c.args[0]), id))
	case "verify":
		result, err := svc.VerifyLedger(ctx)
		if err != nil {
			return err
		}
		if err := c.write(result); err != nil {
			return err
		}
		if !result.OK() {
			return fmt.Errorf("%d of %d materials do not match their movement log", len(result.Inconsistent), result.Checked)
		}
		return nil

	case "component-add":
		if err := c.need(1, "component-add <name>"); err != nil {
			return err
		}
		return c.emit(svc.CreateComponent(ctx, c.args[0]))
	case "product-add":
		if err := c.need(2, "product-add <name> <price>"); err != nil {
			return err
		}
		price, err := c.decimal(1, "price")
		if err != nil {
			return err
		}
		return c.emit(svc.CreateProduct(ctx, app.CreateProductRequest{Name: c.args[0], SalePrice: price}))
	case "product":
		id, err := c.id(0, "product id")
		if err != nil {
			return err
		}
		return c.emit(svc.GetProduct(ctx, id))
	case "bom-set":
		return c.bomSet()
	case "bom-unset":
		componentID, materialID, err := c.pair("bom-unset <component> <material>")
		if err != nil {
			return err
		}
		return c.done(svc.DeactivateComponentMaterial(ctx, componentID, materialID))
	case "recipe-set":
		if err := c.need(3, "recipe-set <product> <component> <qty>"); err != nil {
			return err
		}
		productID, componentID, err := c.pair("")
		if err != nil {
			return err
		}
		qty, err := c.decimal(2, "quantity")
		if err != nil {
			return err
		}
		return c.done(svc.SetProductComponent(ctx, app.SetProductComponentRequest{
			ProductID: productID, ComponentID: componentID, QuantityNeeded: qty,
		}))
	case "recipe-unset":
		productID, componentID, err := c.pair("recipe-unset <product> <component>")
		if err != nil {
			return err
		}
		return c.done(svc.DeactivateProductComponent(ctx, productID, componentID))

	case "cost-component", "cc":
		id, err := c.id(0, "component id")
		if err != nil {
			return err
		}
		return c.emit(svc.ComponentCost(ctx, id))
	case "cost-product", "cp":
		id, err := c.id(0, "product id")
		if err != nil {
			return err
		}
		return c.emit(svc.ProductCost(ctx, id))
	case "quote", "reprice":
		if err := c.need(2, args[0]+" <product> <margin>"); err != nil {
			return err
		}
		id, err := c.id(0, "product id")
		if err != nil {
			return err
		}
		margin, err := c.decimal(1, "margin")
		if err != nil {
			return err
		}
		if args[0] == "quote" {
			return c.emit(svc.QuotePrice(ctx, id, margin))
		}
		return c.emit(svc.RepriceProduct(ctx, id, margin))
	case "recalc-material":
		id, err := c.id(0, "material id")
		if err != nil {
			return err
		}
		return c.cascade(svc.RecalculateMaterial(ctx, id))
	case "recalc-component":
		id, err := c.id(0, "component id")
		if err != nil {
			return err
		}
		return c.cascade(svc.RecalculateComponent(ctx, id))

	case "purchase", "buy":
		var req app.RecordPurchaseRequest
		if err := json.NewDecoder(c.in).Decode(&req); err != nil {
			return fmt.Errorf("invalid purchase JSON: %w", err)
		}
		return c.emit(svc.RecordPurchase(ctx, req))
	case "purchase-get":
		id, err := c.id(0, "purchase id")
		if err != nil {
			return err
		}
		return c.emit(svc.GetPurchase(ctx, id))
	case "purchase-edit":
		if err := c.need(3, "purchase-edit <line> <qty> <price>"); err != nil {
			return err
		}
		lineID, err := c.id(0, "line id")
		if err != nil {
			return err
		}
		qty, err := c.id(1, "quantity")
		if err != nil {
			return err
		}
		price, err := c.decimal(2, "price")
		if err != nil {
			return err
		}
		return c.emit(svc.EditPurchaseLine(ctx, app.EditPurchaseLineRequest{LineID: lineID, Quantity: qty, UnitPrice: price}))
	case "purchase-void":
		id, err := c.id(0, "line id")
		if err != nil {
			return err
		}
		return c.emit(svc.DeletePurchaseLine(ctx, id))

	case "avail-component", "ac":
		id, err := c.id(0, "component id")
		if err != nil {
			return err
		}
		return c.emit(svc.ComponentAvailability(ctx, id))
	case "avail-product", "ap":
		id, err := c.id(0, "product id")
		if err != nil {
			return err
		}
		return c.emit(svc.ProductAvailability(ctx, id))
	case "consume", "sell":
		if err := c.need(2, args[0]+" <id> <qty>"); err != nil {
			return err
		}
		id, qty, err := c.pair("")
		if err != nil {
			return err
		}
		req := app.ConsumeRequest{ID: id, Quantity: qty, CorrelationID: "cli:" + args[0]}
		if args[0] == "consume" {
			return c.done(svc.ConsumeComponent(ctx, req))
		}
		return c.done(svc.SellProduct(ctx, req))

	case "party-add":
		var input core.PartyInput
		if err := json.NewDecoder(c.in).Decode(&input); err != nil {
			return fmt.Errorf("invalid party JSON: %w", err)
		}
		return c.emit(svc.CreateParty(ctx, input))
	case "party":
		id, err := c.id(0, "party id")
		if err != nil {
			return err
		}
		return c.emit(svc.GetParty(ctx, id))

	case "schema":
		if len(c.args) == 0 {
			return c.write(SchemaNames())
		}
		s, err := Schema(c.args[0])
		if err != nil {
			return err
		}
		return c.write(s)

	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
}

type command struct {
	ctx  context.Context
	svc  app.ApplicationService
	args []string
	in   io.Reader
	out  io.Writer
}

func (c command) write(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v unless err is set; it takes a service call's two results directly.
func (c command) emit(v any, err error) error {
	if err != nil {
		return err
	}
	return c.write(v)
}

func (c command) done(err error) error {
	if err != nil {
		return err
	}
	return c.write(map[string]string{"status": "ok"})
}

// cascade prints the result even when some products failed, then reports the failure.
func (c command) cascade(result *core.CascadeResult, err error) error {
	if err != nil {
		return err
	}
	if werr := c.write(result); werr != nil {
		return werr
	}
	return result.Err()
}

func (c command) need(n int, form string) error {
	if len(c.args) < n {
		return fmt.Errorf("usage: %s", form)
	}
	return nil
}

func (c command) opt(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

func (c command) id(i int, what string) (int64, error) {
	if i >= len(c.args) {
		return 0, fmt.Errorf("missing %s", what)
	}
	n, err := strconv.ParseInt(c.args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, c.args[i], err)
	}
	return n, nil
}

func (c command) pair(form string) (int64, int64, error) {
	if form != "" {
		if err := c.need(2, form); err != nil {
			return 0, 0, err
		}
	}
	a, err := c.id(0, "first id")
	if err != nil {
		return 0, 0, err
	}
	b, err := c.id(1, "second id")
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (c command) decimal(i int, what string) (decimal.Decimal, error) {
	if i >= len(c.args) {
		return decimal.Zero, fmt.Errorf("missing %s", what)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(c.args[i]))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", what, c.args[i], err)
	}
	return d, nil
}

func (c command) bomSet() error {
	if err := c.need(3, "bom-set <component> <material> <qty> [conversion] [waste] [principal]"); err != nil {
		return err
	}
	componentID, materialID, err := c.pair("")
	if err != nil {
		return err
	}
	req := app.SetComponentMaterialRequest{ComponentID: componentID, MaterialID: materialID}
	if req.QuantityNeeded, err = c.decimal(2, "quantity"); err != nil {
		return err
	}
	if c.opt(3) != "" {
		if req.ConversionFactor, err = c.decimal(3, "conversion"); err != nil {
			return err
		}
	}
	if c.opt(4) != "" {
		if req.WastePercentage, err = c.decimal(4, "waste"); err != nil {
			return err
		}
	}
	if p := c.opt(5); p != "" {
		if req.IsPrincipal, err = strconv.ParseBool(p); err != nil {
			return fmt.Errorf("invalid principal flag %q: %w", p, err)
		}
	}
	return c.done(c.svc.SetComponentMaterial(c.ctx, req))
}
