package tracker

import (
	"context"
	"fmt"
	"sort"

	migration "github.com/goliatone/go-migration"
)

// ValidationRules describe what a migrated entity must look like before it
// can be marked validated.
type ValidationRules struct {
	Location         migration.Location
	Status           migration.EntityStatus
	RequiredMetadata []string
}

// DefaultValidationRules expects a completed entity in the target system.
func DefaultValidationRules() ValidationRules {
	return ValidationRules{
		Location: migration.LocationTarget,
		Status:   migration.EntityCompleted,
	}
}

// ValidationReport is the outcome of ValidateMigration.
type ValidationReport struct {
	EntityID string        `json:"entity_id"`
	Passed   bool          `json:"passed"`
	Failures []string      `json:"failures,omitempty"`
	Record   *EntityRecord `json:"record,omitempty"`
}

// ValidateMigration checks entityID against rules and, when every rule
// passes, records the completed -> validated transition. A failed check
// leaves the entity untouched.
func (t *Tracker) ValidateMigration(ctx context.Context, entityID string, rules ValidationRules) (*ValidationReport, error) {
	defaults := DefaultValidationRules()
	if rules.Location == "" {
		rules.Location = defaults.Location
	}
	if rules.Status == "" {
		rules.Status = defaults.Status
	}

	rec, err := t.GetState(ctx, entityID)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{EntityID: rec.EntityID, Record: rec}
	if rec.CurrentLocation != rules.Location {
		report.Failures = append(report.Failures,
			fmt.Sprintf("location is %s, expected %s", rec.CurrentLocation, rules.Location))
	}
	if rec.CurrentStatus != rules.Status {
		report.Failures = append(report.Failures,
			fmt.Sprintf("status is %s, expected %s", rec.CurrentStatus, rules.Status))
	}
	missing := make([]string, 0)
	for _, key := range rules.RequiredMetadata {
		if _, ok := rec.Metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		report.Failures = append(report.Failures, fmt.Sprintf("metadata %q missing", key))
	}

	if len(report.Failures) > 0 {
		return report, nil
	}

	updated, err := t.RecordTransitionWithReason(ctx, rec.EntityID, migration.EntityValidated, rec.CurrentLocation, rec.LastSagaID(), "validated")
	if err != nil {
		return nil, err
	}
	report.Passed = true
	report.Record = updated
	return report, nil
}
