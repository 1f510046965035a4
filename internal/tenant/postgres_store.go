package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// GetOrganization resolves the organization a user belongs to. API keys are
// issued per organization, so the caller identity is the organization id.
func (s *PostgresStore) GetOrganization(ctx context.Context, userID string) (*Organization, error) {
	query := `
		SELECT id, plan, entity_type, billing_anchor
		FROM organizations
		WHERE id = $1
	`

	var (
		org  Organization
		plan string
	)
	err := s.db.QueryRow(ctx, query, userID).Scan(&org.ID, &plan, &org.EntityType, &org.BillingAnchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	org.Plan, err = ParsePlan(plan)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", org.ID, err)
	}

	return &org, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, org *Organization) error {
	query := `
		INSERT INTO organizations (id, plan, entity_type, billing_anchor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET plan = EXCLUDED.plan, entity_type = EXCLUDED.entity_type, billing_anchor = EXCLUDED.billing_anchor
	`
	if _, err := s.db.Exec(ctx, query, org.ID, string(org.Plan), org.EntityType, org.BillingAnchor); err != nil {
		return fmt.Errorf("failed to upsert organization: %w", err)
	}
	return nil
}
