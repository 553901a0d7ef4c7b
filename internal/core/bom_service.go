package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// BOMStore holds the two-level bill of materials: component ← raw materials and
// product ← components. Edges are never deleted, only deactivated, so historical
// costs stay traceable.
type BOMStore interface {
	CreateComponent(ctx context.Context, name string) (*Component, error)
	GetComponent(ctx context.Context, componentID int64) (*Component, error)
	CreateProduct(ctx context.Context, name string, salePrice decimal.Decimal) (*Product, error)
	GetProduct(ctx context.Context, productID int64) (*Product, error)

	// SetComponentMaterial creates or reactivates the (component, material) edge with new values.
	SetComponentMaterial(ctx context.Context, edge ComponentMaterialEdge) error
	DeactivateComponentMaterial(ctx context.Context, componentID, materialID int64) error
	SetProductComponent(ctx context.Context, edge ProductComponentEdge) error
	DeactivateProductComponent(ctx context.Context, productID, componentID int64) error

	// ComponentMaterials returns the active material edges of a component.
	ComponentMaterials(ctx context.Context, componentID int64) ([]ComponentMaterialEdge, error)
	// ProductComponents returns the active component edges of a product.
	ProductComponents(ctx context.Context, productID int64) ([]ProductComponentEdge, error)

	// Reverse indexes, active edges and active parents only.
	ComponentsUsingMaterial(ctx context.Context, materialID int64) ([]int64, error)
	ProductsUsingComponent(ctx context.Context, componentID int64) ([]int64, error)
}

type bomStore struct {
	pool     *pgxpool.Pool
	settings Settings
}

func NewBOMStore(pool *pgxpool.Pool, settings Settings) BOMStore {
	return &bomStore{pool: pool, settings: settings}
}

func (s *bomStore) CreateComponent(ctx context.Context, name string) (*Component, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, opError("create component", "", 0, invalidArgument("component name is required"))
	}
	var c Component
	err := s.pool.QueryRow(ctx, `
		INSERT INTO components (name, is_active, created_at)
		VALUES ($1, true, $2)
		RETURNING id, name, is_active, created_at
	`, name, s.settings.now()).Scan(&c.ID, &c.Name, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert component %q: %w", name, err)
	}
	return &c, nil
}

func (s *bomStore) GetComponent(ctx context.Context, componentID int64) (*Component, error) {
	return getComponent(ctx, s.pool, componentID)
}

func getComponent(ctx context.Context, q querier, componentID int64) (*Component, error) {
	var c Component
	err := q.QueryRow(ctx,
		"SELECT id, name, is_active, created_at FROM components WHERE id = $1", componentID,
	).Scan(&c.ID, &c.Name, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("component", componentID)
		}
		return nil, fmt.Errorf("failed to fetch component %d: %w", componentID, err)
	}
	return &c, nil
}

func (s *bomStore) CreateProduct(ctx context.Context, name string, salePrice decimal.Decimal) (*Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, opError("create product", "", 0, invalidArgument("product name is required"))
	}
	if salePrice.IsNegative() {
		return nil, opError("create product", "", 0, invalidArgument("sale price cannot be negative, got %s", salePrice))
	}
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		INSERT INTO products (name, sale_price, last_cost, is_active, created_at)
		VALUES ($1, $2, 0, true, $3)
		RETURNING `+productColumns,
		name, RoundCurrency(salePrice, s.settings.CurrencyPlaces), s.settings.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to insert product %q: %w", name, err)
	}
	return p, nil
}

const productColumns = `id, name, sale_price, last_cost, margin, priced_at, is_active, created_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.Name, &p.SalePrice, &p.LastCost, &p.Margin, &p.PricedAt, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *bomStore) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, opError("get product", "product", productID, notFound("product", productID))
		}
		return nil, fmt.Errorf("failed to fetch product %d: %w", productID, err)
	}
	return p, nil
}

func (s *bomStore) SetComponentMaterial(ctx context.Context, edge ComponentMaterialEdge) error {
	const op = "set component material"
	if err := edge.Validate(); err != nil {
		return opError(op, "component", edge.ComponentID, err)
	}
	if err := s.requireActive(ctx, "components", "component", edge.ComponentID); err != nil {
		return opError(op, "component", edge.ComponentID, err)
	}
	if err := s.requireActive(ctx, "raw_materials", "material", edge.MaterialID); err != nil {
		return opError(op, "component", edge.ComponentID, err)
	}

	now := s.settings.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO component_materials
		            (component_id, material_id, quantity_needed, conversion_factor, waste_percentage,
		             is_principal, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, $7)
		ON CONFLICT (component_id, material_id) DO UPDATE
		SET quantity_needed   = EXCLUDED.quantity_needed,
		    conversion_factor = EXCLUDED.conversion_factor,
		    waste_percentage  = EXCLUDED.waste_percentage,
		    is_principal      = EXCLUDED.is_principal,
		    is_active         = true,
		    updated_at        = EXCLUDED.updated_at
	`, edge.ComponentID, edge.MaterialID, edge.QuantityNeeded, edge.ConversionFactor,
		edge.WastePercentage, edge.IsPrincipal, now)
	if err != nil {
		return opError(op, "component", edge.ComponentID, fmt.Errorf("failed to upsert material edge: %w", err))
	}
	return nil
}

func (s *bomStore) DeactivateComponentMaterial(ctx context.Context, componentID, materialID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE component_materials SET is_active = false, updated_at = $3
		WHERE component_id = $1 AND material_id = $2
	`, componentID, materialID, s.settings.now())
	if err != nil {
		return fmt.Errorf("failed to deactivate material edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return opError("deactivate component material", "component", componentID,
			fmt.Errorf("edge to material %d %w", materialID, ErrNotFound))
	}
	return nil
}

func (s *bomStore) SetProductComponent(ctx context.Context, edge ProductComponentEdge) error {
	const op = "set product component"
	if err := edge.Validate(); err != nil {
		return opError(op, "product", edge.ProductID, err)
	}
	if err := s.requireActive(ctx, "products", "product", edge.ProductID); err != nil {
		return opError(op, "product", edge.ProductID, err)
	}
	if err := s.requireActive(ctx, "components", "component", edge.ComponentID); err != nil {
		return opError(op, "product", edge.ProductID, err)
	}

	now := s.settings.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_components (product_id, component_id, quantity_needed, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $4)
		ON CONFLICT (product_id, component_id) DO UPDATE
		SET quantity_needed = EXCLUDED.quantity_needed,
		    is_active       = true,
		    updated_at      = EXCLUDED.updated_at
	`, edge.ProductID, edge.ComponentID, edge.QuantityNeeded, now)
	if err != nil {
		return opError(op, "product", edge.ProductID, fmt.Errorf("failed to upsert component edge: %w", err))
	}
	return nil
}

func (s *bomStore) DeactivateProductComponent(ctx context.Context, productID, componentID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE product_components SET is_active = false, updated_at = $3
		WHERE product_id = $1 AND component_id = $2
	`, productID, componentID, s.settings.now())
	if err != nil {
		return fmt.Errorf("failed to deactivate component edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return opError("deactivate product component", "product", productID,
			fmt.Errorf("edge to component %d %w", componentID, ErrNotFound))
	}
	return nil
}

func (s *bomStore) ComponentMaterials(ctx context.Context, componentID int64) ([]ComponentMaterialEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT component_id, material_id, quantity_needed, conversion_factor, waste_percentage,
		       is_principal, is_active
		FROM component_materials
		WHERE component_id = $1 AND is_active = true
		ORDER BY material_id
	`, componentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query material edges: %w", err)
	}
	defer rows.Close()

	var edges []ComponentMaterialEdge
	for rows.Next() {
		var e ComponentMaterialEdge
		if err := rows.Scan(&e.ComponentID, &e.MaterialID, &e.QuantityNeeded, &e.ConversionFactor,
			&e.WastePercentage, &e.IsPrincipal, &e.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan material edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *bomStore) ProductComponents(ctx context.Context, productID int64) ([]ProductComponentEdge, error) {
	return productComponents(ctx, s.pool, productID)
}

func productComponents(ctx context.Context, q querier, productID int64) ([]ProductComponentEdge, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, component_id, quantity_needed, is_active
		FROM product_components
		WHERE product_id = $1 AND is_active = true
		ORDER BY component_id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query component edges: %w", err)
	}
	defer rows.Close()

	var edges []ProductComponentEdge
	for rows.Next() {
		var e ProductComponentEdge
		if err := rows.Scan(&e.ProductID, &e.ComponentID, &e.QuantityNeeded, &e.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan component edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *bomStore) ComponentsUsingMaterial(ctx context.Context, materialID int64) ([]int64, error) {
	return s.ids(ctx, `
		SELECT cm.component_id
		FROM component_materials cm
		JOIN components c ON c.id = cm.component_id
		WHERE cm.material_id = $1 AND cm.is_active = true AND c.is_active = true
		ORDER BY cm.component_id
	`, materialID)
}

func (s *bomStore) ProductsUsingComponent(ctx context.Context, componentID int64) ([]int64, error) {
	return s.ids(ctx, `
		SELECT pc.product_id
		FROM product_components pc
		JOIN products p ON p.id = pc.product_id
		WHERE pc.component_id = $1 AND pc.is_active = true AND p.is_active = true
		ORDER BY pc.product_id
	`, componentID)
}

func (s *bomStore) ids(ctx context.Context, sql string, arg int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query reverse index: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// requireActive checks that id exists and is active in one of the catalog
// tables; deactivated rows take no new edges. table is always a compile-time
// constant.
func (s *bomStore) requireActive(ctx context.Context, table, entity string, id int64) error {
	var active bool
	err := s.pool.QueryRow(ctx, "SELECT is_active FROM "+table+" WHERE id = $1", id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(entity, id)
		}
		return fmt.Errorf("failed to check %s %d: %w", entity, id, err)
	}
	if !active {
		return invalidArgument("%s %d is inactive", entity, id)
	}
	return nil
}
