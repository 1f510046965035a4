package seeder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/auth"
	"github.com/vnmchuo/advisor-gateway/internal/knowledge"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestOrgID  = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey creates a Pro organization and binds the test key to it.
func SeedTestAPIKey(ctx context.Context, keys auth.Store, orgs tenant.Store) {
	org := &tenant.Organization{
		ID:            TestOrgID,
		Plan:          tenant.PlanPro,
		EntityType:    tenant.EntityNPO,
		BillingAnchor: time.Now().UTC(),
	}
	if err := orgs.Upsert(ctx, org); err != nil {
		slog.ErrorContext(ctx, "seeder: organization not created", "org_id", TestOrgID, "error", err)
		return
	}

	apiKey := &auth.APIKey{
		OrgID:     TestOrgID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		slog.WarnContext(ctx, "seeder: api key may already exist, skipping", "error", err)
		return
	}
	slog.InfoContext(ctx, "seeder: test api key created", "key", TestAPIKey, "org_id", TestOrgID, "plan", org.Plan)
}

// Ingester embeds and stores a knowledge document.
type Ingester interface {
	Ingest(ctx context.Context, doc knowledge.Document) error
}

// SampleDocuments is a small governance corpus for local development.
var SampleDocuments = []knowledge.Document{
	{
		Title:    "特定非営利活動促進法 役員",
		Category: "npo",
		Content:  "NPO法人には役員として理事三人以上及び監事一人以上を置かなければならない。監事は理事又は職員を兼ねてはならない。",
	},
	{
		Title:    "社会福祉法 評議員会",
		Category: "social_welfare",
		Content:  "社会福祉法人は評議員会を置かなければならない。評議員の数は定款で定めた理事の員数を超える数でなければならない。",
	},
	{
		Title:    "医療法 社員総会",
		Category: "medical_corp",
		Content:  "社団たる医療法人の理事長は、少なくとも毎年一回、定時社員総会を開かなければならない。",
	},
}

// SeedKnowledge ingests SampleDocuments and returns how many were new.
// Documents already stored are left alone, so reseeding is safe. Failures
// are logged per document.
func SeedKnowledge(ctx context.Context, ing Ingester) int {
	n := 0
	for _, doc := range SampleDocuments {
		err := ing.Ingest(ctx, doc)
		switch {
		case errors.Is(err, knowledge.ErrDocumentExists):
			slog.DebugContext(ctx, "seeder: knowledge document already present", "title", doc.Title)
			continue
		case err != nil:
			slog.WarnContext(ctx, "seeder: knowledge document skipped", "title", doc.Title, "error", err)
			continue
		}
		n++
	}
	slog.InfoContext(ctx, "seeder: knowledge documents ingested", "count", n)
	return n
}
