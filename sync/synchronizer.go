package sync

import (
	"context"
	"fmt"
	"time"
)

// SyncEvent is one progress notification of a sync run. Events carry the
// report in its current state so consumers can render partial progress; the
// final event has Done set.
type SyncEvent struct {
	Message string
	Report  *SyncReport
	Done    bool
}

// Synchronizer drives one sync run end to end: it resolves the targets,
// builds the payload once, posts it to every target and persists the report.
type Synchronizer struct {
	context *SyncContext
	builder PayloadBuilder
}

// NewSynchronizer returns a synchronizer for the given synchronization type.
func NewSynchronizer(syncType SynchronizationType, syncContext *SyncContext) (*Synchronizer, error) {
	builder, err := NewPayloadBuilder(syncType, syncContext)
	if err != nil {
		return nil, err
	}
	return &Synchronizer{context: syncContext, builder: builder}, nil
}

// Execute runs the synchronization, emitting progress events on the returned
// channel. The channel is unbuffered, so the run advances at the pace of the
// consumer and can be abandoned through ctx. The channel is closed after the
// final Done event.
func (s *Synchronizer) Execute(ctx context.Context) <-chan SyncEvent {
	events := make(chan SyncEvent)
	go func() {
		defer close(events)
		emit := func(event SyncEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.run(ctx, emit)
	}()
	return events
}

func (s *Synchronizer) run(ctx context.Context, emit func(SyncEvent) bool) {
	logger := s.context.Logger
	syncType := s.builder.Type()

	if !emit(SyncEvent{Message: "Preparing synchronization"}) {
		return
	}

	report := &SyncReport{
		ID:       GenerateUID(),
		Status:   ReportStatusRunning,
		SyncRule: s.context.Builder.SyncRule,
		Type:     syncType,
		Types:    metadataTypes(s.context.Builder.MetadataIDs),
		Date:     time.Now().UTC(),
		Results:  []SynchronizationResult{},
	}
	if user, err := s.context.API(s.context.LocalInstance).GetUser(ctx); err == nil {
		report.User = user.Username
	} else {
		logger.Warnf("failed to resolve current user: %v", err)
	}

	targets := s.resolveTargets(ctx)
	for _, target := range targets {
		report.Results = append(report.Results, SynchronizationResult{
			Status:   StatusPending,
			Instance: target.ToPublicObject(),
			Date:     time.Now().UTC(),
			Type:     syncType,
		})
	}

	if stats, err := s.builder.BuildDataStats(ctx); err == nil {
		report.DataStats = stats
	} else {
		logger.Warnf("failed to build data stats: %v", err)
	}

	if !emit(SyncEvent{Message: "Synchronization started", Report: report}) {
		return
	}

	for _, target := range targets {
		if !emit(SyncEvent{
			Message: fmt.Sprintf("Importing %s in instance %s", syncType, target.Name),
			Report:  report,
		}) {
			return
		}

		results, err := s.builder.PostPayload(ctx, target)
		if err != nil {
			logger.Errorf("failed to post %s payload to %s: %v", syncType, target.Name, err)
			report.AddSyncResults(errorSyncResult(err.Error(), syncType, target.ToPublicObject()))
		} else {
			report.AddSyncResults(results...)
		}
	}

	s.updateSyncRule(ctx)

	report.Finish()
	if err := SaveObjectInCollection(ctx, s.context.Storage, NamespaceNotifications, report); err != nil {
		logger.Warnf("failed to persist sync report %s: %v", report.ID, err)
	}

	emit(SyncEvent{Message: "Synchronization finished", Report: report, Done: true})
}

// resolveTargets loads the target instances of the run. Unresolvable targets
// are logged and skipped so one broken reference does not abort the run.
func (s *Synchronizer) resolveTargets(ctx context.Context) []Instance {
	targets := make([]Instance, 0, len(s.context.Builder.TargetInstances))
	for _, id := range s.context.Builder.TargetInstances {
		target, err := getInstanceByID(ctx, s.context, id)
		if err != nil {
			s.context.Logger.Warnf("skipping target instance '%s': %v", id, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets
}

// updateSyncRule stamps the run's rule with its execution time.
func (s *Synchronizer) updateSyncRule(ctx context.Context) {
	ruleID := s.context.Builder.SyncRule
	if ruleID == "" {
		return
	}
	rule, found, err := GetObjectInCollection[SyncRule](ctx, s.context.Storage, NamespaceRules, ruleID)
	if err != nil || !found {
		s.context.Logger.Warnf("failed to load sync rule '%s' for update: found=%t err=%v", ruleID, found, err)
		return
	}
	rule = rule.UpdateLastExecuted(time.Now().UTC())
	if err := SaveObjectInCollection(ctx, s.context.Storage, NamespaceRules, rule); err != nil {
		s.context.Logger.Warnf("failed to update sync rule '%s': %v", ruleID, err)
	}
}

// metadataTypes derives the model names present in a prefixed id selection
// ("type-id"). Bare ids contribute nothing.
func metadataTypes(ids []string) []string {
	var types []string
	for _, id := range ids {
		for i := len(id) - 1; i >= 0; i-- {
			if id[i] == '-' {
				types = append(types, id[:i])
				break
			}
		}
	}
	return uniqStrings(types)
}
