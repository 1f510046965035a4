// Package billing is the append-only usage ledger.
package billing

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerUnavailable wraps every failure to read or write the ledger.
var ErrLedgerUnavailable = errors.New("usage ledger unavailable")

// UsageRecord is one completed model call. Records are never updated or
// deleted once appended.
type UsageRecord struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	RequestID    string         `json:"request_id,omitempty"`
	Feature      string         `json:"feature"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, rec *UsageRecord) error
	List(ctx context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error)
	TotalCost(ctx context.Context, orgID string, from, to time.Time) (float64, error)
}
