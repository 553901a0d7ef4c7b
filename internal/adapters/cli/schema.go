package cli

import (
	"fmt"
	"reflect"
	"sort"

	"hydro-costing/internal/app"
	"hydro-costing/internal/core"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
)

// schemaTypes are the documents the CLI reads from stdin or prints to stdout.
var schemaTypes = map[string]any{
	"purchase-request":   app.RecordPurchaseRequest{},
	"purchase-result":    core.PurchaseResult{},
	"purchase-line":      core.PurchaseLineResult{},
	"party-input":        core.PartyInput{},
	"cascade-result":     core.CascadeResult{},
	"component-cost":     app.ComponentCostResult{},
	"product-cost":       app.ProductCostResult{},
	"price-quote":        core.PriceQuote{},
	"price-change":       core.PriceChange{},
	"availability":       app.AvailabilityResult{},
	"ledger-check":       app.LedgerCheckResult{},
	"component-material": app.SetComponentMaterialRequest{},
	"product-component":  app.SetProductComponentRequest{},
	"material-list":      app.MaterialListResult{},
	"movement-list":      app.MovementListResult{},
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// SchemaNames lists the names accepted by Schema, sorted.
func SchemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON Schema of a CLI document. Decimals are encoded as
// strings, matching how shopspring/decimal marshals them.
func Schema(name string) (*jsonschema.Schema, error) {
	v, ok := schemaTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q (available: %v)", name, SchemaNames())
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == decimalType {
				return &jsonschema.Schema{
					Type:    "string",
					Pattern: `^-?[0-9]+(\.[0-9]+)?$`,
				}
			}
			return nil
		},
	}
	return reflector.Reflect(v), nil
}
