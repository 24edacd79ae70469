package registry

import (
	"context"
	"errors"
	"log"

	"tradeguard/pkg/db"
)

// RecordShadowDecision compares the shadow model's proposed action against
// production's for one tick and bumps the comparison counters. A no-op when
// no version is in shadow.
func (r *Registry) RecordShadowDecision(ctx context.Context, productionAction, shadowAction string) {
	m, err := r.db.GetModelByStatus(ctx, db.ModelShadow)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("❌ shadow comparison: %v", err)
		}
		return
	}
	if err := r.db.RecordComparison(ctx, m.VersionID, productionAction == shadowAction); err != nil {
		log.Printf("❌ shadow comparison: %v", err)
	}
}

// Shadow returns the version currently under shadow evaluation, or
// db.ErrNotFound.
func (r *Registry) Shadow(ctx context.Context) (db.ModelVersion, error) {
	return r.db.GetModelByStatus(ctx, db.ModelShadow)
}

// AgreementRate returns the fraction of recorded comparisons where the shadow
// model agreed with production.
func AgreementRate(m db.ModelVersion) float64 {
	if m.Comparisons == 0 {
		return 0
	}
	return float64(m.Agreements) / float64(m.Comparisons)
}
