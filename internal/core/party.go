package core

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PartyKind discriminates the people and companies the store deals with.
type PartyKind string

const (
	PartyCustomer PartyKind = "customer"
	PartySupplier PartyKind = "supplier"
)

func (k PartyKind) Valid() bool {
	return k == PartyCustomer || k == PartySupplier
}

// Party is a customer or a supplier. The shared fields live here; Kind decides
// which role-specific rules apply (only suppliers may appear on purchases).
type Party struct {
	ID        int64     `json:"id"`
	Kind      PartyKind `json:"kind"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	TaxID     *string   `json:"tax_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PartyInput holds the fields required to create a party.
type PartyInput struct {
	Kind  PartyKind `json:"kind"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
	TaxID string    `json:"tax_id,omitempty"`
}

func (in PartyInput) Validate() error {
	if !in.Kind.Valid() {
		return invalidArgument("party kind must be %q or %q, got %q", PartyCustomer, PartySupplier, in.Kind)
	}
	if strings.TrimSpace(in.Name) == "" {
		return invalidArgument("party name is required")
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return invalidArgument("invalid email %q", in.Email)
		}
	}
	return nil
}

// PartyService provides customer and supplier master data.
type PartyService interface {
	CreateParty(ctx context.Context, input PartyInput) (*Party, error)
	GetParty(ctx context.Context, partyID int64) (*Party, error)
}

type partyService struct {
	pool *pgxpool.Pool
}

func NewPartyService(pool *pgxpool.Pool) PartyService {
	return &partyService{pool: pool}
}

const partyColumns = `id, kind, name, email, phone, tax_id, is_active, created_at`

func scanParty(row pgx.Row) (*Party, error) {
	var p Party
	if err := row.Scan(&p.ID, &p.Kind, &p.Name, &p.Email, &p.Phone, &p.TaxID, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *partyService) CreateParty(ctx context.Context, input PartyInput) (*Party, error) {
	if err := input.Validate(); err != nil {
		return nil, opError("create party", "", 0, err)
	}

	toPtr := func(s string) *string {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		return &s
	}

	p, err := scanParty(s.pool.QueryRow(ctx, `
		INSERT INTO parties (kind, name, email, phone, tax_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+partyColumns,
		string(input.Kind), strings.TrimSpace(input.Name),
		toPtr(input.Email), toPtr(input.Phone), toPtr(input.TaxID)))
	if err != nil {
		return nil, fmt.Errorf("create party %q: %w", input.Name, err)
	}
	return p, nil
}

func (s *partyService) GetParty(ctx context.Context, partyID int64) (*Party, error) {
	p, err := getParty(ctx, s.pool, partyID)
	if err != nil {
		return nil, opError("get party", "party", partyID, err)
	}
	return p, nil
}

func getParty(ctx context.Context, q querier, partyID int64) (*Party, error) {
	p, err := scanParty(q.QueryRow(ctx, "SELECT "+partyColumns+" FROM parties WHERE id = $1", partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("party", partyID)
		}
		return nil, fmt.Errorf("failed to fetch party %d: %w", partyID, err)
	}
	return p, nil
}

// requireSupplier fails unless partyID is an active supplier.
func requireSupplier(ctx context.Context, q querier, partyID int64) error {
	p, err := getParty(ctx, q, partyID)
	if err != nil {
		return err
	}
	if p.Kind != PartySupplier {
		return invalidArgument("party %d is a %s, not a supplier", partyID, p.Kind)
	}
	if !p.IsActive {
		return invalidArgument("supplier %d is inactive", partyID)
	}
	return nil
}
