package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SyncRule is a stored, reusable synchronization configuration: what to sync,
// where to, and optionally on what schedule.
type SyncRule struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Type         SynchronizationType    `json:"type"`
	Builder      SynchronizationBuilder `json:"builder"`
	Enabled      bool                   `json:"enabled"`
	Frequency    string                 `json:"frequency,omitempty"`
	LastExecuted *time.Time             `json:"lastExecuted,omitempty"`
	Created      time.Time              `json:"created"`
	LastUpdated  time.Time              `json:"lastUpdated"`
}

// Identifier implements Identifiable for collection storage.
func (r SyncRule) Identifier() string { return r.ID }

// UpdateLastExecuted returns a copy of the rule stamped with an execution
// time.
func (r SyncRule) UpdateLastExecuted(at time.Time) SyncRule {
	r.LastExecuted = &at
	r.LastUpdated = at
	return r
}

// ValidationError describes one invalid property of a sync rule.
type ValidationError struct {
	Property    string `json:"property"`
	Description string `json:"description"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Property, e.Description)
}

// Validate checks the rule for the problems that would make a run pointless
// or undefined. An empty slice means the rule is valid.
func (r SyncRule) Validate() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(r.Name) == "" {
		errors = append(errors, ValidationError{
			Property:    "name",
			Description: "Name cannot be blank",
		})
	}
	if len(r.Builder.MetadataIDs) == 0 {
		errors = append(errors, ValidationError{
			Property:    "metadataIds",
			Description: "You need to select at least one metadata element",
		})
	}
	if len(r.Builder.TargetInstances) == 0 {
		errors = append(errors, ValidationError{
			Property:    "targetInstances",
			Description: "You need to select at least one instance",
		})
	}
	if r.Frequency != "" {
		fields := strings.Fields(r.Frequency)
		if len(fields) != 5 && len(fields) != 6 {
			errors = append(errors, ValidationError{
				Property:    "frequency",
				Description: "Cron expression must have 5 or 6 fields",
			})
		}
	}
	if err := validateDateRange(r.Builder.DataParams); err != nil {
		errors = append(errors, *err)
	}

	return errors
}

func validateDateRange(params DataParams) *ValidationError {
	if params.StartDate == "" || params.EndDate == "" {
		return nil
	}
	start, err := time.Parse("2006-01-02", params.StartDate)
	if err != nil {
		return &ValidationError{Property: "dataParams.startDate", Description: "Start date is not a valid date"}
	}
	end, err := time.Parse("2006-01-02", params.EndDate)
	if err != nil {
		return &ValidationError{Property: "dataParams.endDate", Description: "End date is not a valid date"}
	}
	if end.Before(start) {
		return &ValidationError{Property: "dataParams.endDate", Description: "End date cannot be before start date"}
	}
	return nil
}

// ListSyncRules reads all stored sync rules.
func ListSyncRules(ctx context.Context, store ObjectStore) ([]SyncRule, error) {
	return ListObjectsInCollection[SyncRule](ctx, store, NamespaceRules)
}

// GetSyncRule reads one sync rule by id.
func GetSyncRule(ctx context.Context, store ObjectStore, id string) (SyncRule, bool, error) {
	return GetObjectInCollection[SyncRule](ctx, store, NamespaceRules, id)
}

// SaveSyncRule validates and upserts a rule, assigning an id and timestamps
// on first save. Invalid rules are rejected with the first validation error.
func SaveSyncRule(ctx context.Context, store ObjectStore, rule SyncRule) (SyncRule, error) {
	if errors := rule.Validate(); len(errors) > 0 {
		return rule, fmt.Errorf("invalid sync rule %w", errors[0])
	}
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = GenerateUID()
		rule.Created = now
	}
	rule.LastUpdated = now
	if err := SaveObjectInCollection(ctx, store, NamespaceRules, rule); err != nil {
		return rule, err
	}
	return rule, nil
}

// RemoveSyncRule deletes a rule by id. Removing a missing rule is not an
// error.
func RemoveSyncRule(ctx context.Context, store ObjectStore, id string) error {
	return RemoveObjectInCollection[SyncRule](ctx, store, NamespaceRules, id)
}
