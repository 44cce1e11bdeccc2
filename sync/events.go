package sync

import (
	"context"
	"fmt"
	gosync "sync"
)

// eventsFields is the metadata projection the events builder needs: the
// program structure with its stages and indicators.
const eventsFields = "id,name,programStages[id,name],programIndicators[id,name]"

// EventsSync builds, maps and posts event payloads. A payload may carry up to
// three record families posted in separate phases: tracked entity instances,
// the events themselves, and indicator data values computed by analytics.
type EventsSync struct {
	genericSync

	// aggregated handles the indicator phase, which reuses the aggregated
	// mapping and posting pipeline.
	aggregated *AggregatedSync

	payloadOnce gosync.Once
	payload     EventsPayload
	payloadErr  error
}

// NewEventsSync returns the events payload builder for a run.
func NewEventsSync(context *SyncContext) *EventsSync {
	return &EventsSync{
		genericSync: newGenericSync(context, eventsFields),
		aggregated:  NewAggregatedSync(context),
	}
}

func (s *EventsSync) Type() SynchronizationType { return SyncTypeEvents }

// BuildPayload gathers the events of every selected program stage, the
// requested tracked entity instances and, when aggregation is enabled, the
// indicator values of the selected programs. Memoized.
func (s *EventsSync) BuildPayload(ctx context.Context) (SyncPayload, error) {
	s.payloadOnce.Do(func() {
		s.payload, s.payloadErr = s.buildPayload(ctx)
	})
	return s.payload, s.payloadErr
}

func (s *EventsSync) buildPayload(ctx context.Context) (EventsPayload, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return EventsPayload{}, err
	}
	origin, err := s.originInstance(ctx)
	if err != nil {
		return EventsPayload{}, err
	}
	api := s.context.API(origin)
	params := s.context.Builder.DataParams

	// Stage selection is the union of directly selected stages and the
	// stages of the selected programs.
	stageIDs := objectIDs(metadata["programStages"])
	stageIDs = append(stageIDs, nestedIDs(metadata["programs"], "programStages.#.id")...)

	events, err := api.GetEvents(ctx, params, stageIDs)
	if err != nil {
		return EventsPayload{}, err
	}
	events = rejectEvents(events, s.context.Builder.ExcludedIDs)
	if params.GenerateNewUID {
		for i := range events {
			events[i].Event = GenerateUID()
		}
	}

	payload := EventsPayload{Events: events}

	if len(params.TEIs) > 0 {
		teis, err := api.GetTEIsByID(ctx, params.TEIs)
		if err != nil {
			return EventsPayload{}, err
		}
		if params.ExcludeTEIRelationships {
			for i := range teis {
				teis[i].Relationships = nil
			}
		}
		payload.TrackedEntityInstances = teis
	}

	if params.EnableAggregation {
		indicatorIDs := objectIDs(metadata["programIndicators"])
		indicatorIDs = append(indicatorIDs, nestedIDs(metadata["programs"], "programIndicators.#.id")...)
		dataValues, err := api.GetAnalytics(ctx, AnalyticsRequest{
			Params:            params,
			DimensionIDs:      indicatorIDs,
			IncludeCategories: false,
		})
		if err != nil {
			return EventsPayload{}, err
		}
		payload.DataValues = rejectDataValues(dataValues, s.context.Builder.ExcludedIDs)
	}

	return payload, nil
}

// MapPayload remaps events, tracked entity instances and indicator values for
// the target instance. Events or event values resolving to the disabled
// sentinel are dropped.
func (s *EventsSync) MapPayload(ctx context.Context, target Instance, payload SyncPayload) (SyncPayload, error) {
	pkg, ok := payload.(EventsPayload)
	if !ok {
		return nil, fmt.Errorf("events sync cannot map payload of type %T", payload)
	}

	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	originCombos, err := s.context.API(origin).GetCategoryOptionCombos(ctx)
	if err != nil {
		return nil, err
	}
	destinationCombos, err := s.context.API(target).GetCategoryOptionCombos(ctx)
	if err != nil {
		return nil, err
	}
	defaultIDs, err := s.context.API(origin).GetDefaultIDs(ctx)
	if err != nil {
		return nil, err
	}
	defaultCombo := ""
	if len(defaultIDs) > 0 {
		defaultCombo = defaultIDs[0]
	}
	mapping := target.MetadataMapping

	mapped := EventsPayload{}
	for _, event := range pkg.Events {
		result, keep := mapEvent(event, mapping, originCombos, destinationCombos, defaultCombo)
		if keep {
			mapped.Events = append(mapped.Events, result)
		}
	}

	for _, tei := range pkg.TrackedEntityInstances {
		tei.OrgUnit = MapID(MappingOrgUnits, CleanOrgUnitPath(tei.OrgUnit), mapping)
		mapped.TrackedEntityInstances = append(mapped.TrackedEntityInstances, tei)
	}

	if len(pkg.DataValues) > 0 {
		values, err := s.aggregated.mapAggregatedPayload(ctx, target, AggregatedPackage{DataValues: pkg.DataValues})
		if err != nil {
			return nil, err
		}
		mapped.DataValues = values.DataValues
	}

	return mapped, nil
}

// mapEvent remaps one event. An event without an attribute option combo
// resolves through the origin's default combo, so defaults still translate on
// targets with non-default mappings. The second return value is false when
// the event resolves to the disabled sentinel and must be dropped.
func mapEvent(
	event ProgramEvent,
	mapping MetadataMappingDictionary,
	originCombos []CategoryOptionCombo,
	destinationCombos []CategoryOptionCombo,
	defaultCombo string,
) (ProgramEvent, bool) {
	entry, _ := mapping.Lookup(MappingEventPrograms, event.Program)
	scopes := mappingScopes(entry.Mapping, mapping)

	mapped := event
	if entry.MappedID != "" {
		mapped.Program = entry.MappedID
	}
	mapped.ProgramStage = MapID(MappingProgramStages, event.ProgramStage, scopes...)
	mapped.OrgUnit = MapID(MappingOrgUnits, CleanOrgUnitPath(event.OrgUnit), mapping)

	comboID := event.AttributeOptionCombo
	if comboID == "" {
		comboID = defaultCombo
	}
	if combo, ok := MapCategoryOptionCombo(comboID, scopes, originCombos, destinationCombos); ok {
		mapped.AttributeOptionCombo = combo
	} else {
		mapped.AttributeOptionCombo = ""
	}

	// Denormalised origin fields do not survive the instance boundary.
	mapped.OrgUnitName = ""
	mapped.AttributeCategoryOptions = ""

	if containsDisabled(mapped.Program, mapped.ProgramStage, mapped.OrgUnit, mapped.AttributeOptionCombo) {
		return ProgramEvent{}, false
	}

	mapped.DataValues = nil
	for _, dataValue := range event.DataValues {
		valueEntry := MapProgramDataElement(event.Program, event.ProgramStage, dataValue.DataElement, scopes...)
		valueScopes := mappingScopes(valueEntry.Mapping, mapping)

		mappedValue := dataValue
		if valueEntry.MappedID != "" {
			mappedValue.DataElement = valueEntry.MappedID
		}
		mappedValue.Value = MapOptionValue(dataValue.Value, valueScopes...)
		if containsDisabled(mappedValue.DataElement, mappedValue.Value) {
			continue
		}
		mapped.DataValues = append(mapped.DataValues, mappedValue)
	}

	return mapped, true
}

// PostPayload posts the payload in up to three phases: tracked entity
// instances first, then events, then indicator data values. Phases are
// isolated: a failing phase yields its own error result and the remaining
// phases still run.
func (s *EventsSync) PostPayload(ctx context.Context, target Instance) ([]SynchronizationResult, error) {
	payload, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	mappedPayload, err := s.MapPayload(ctx, target, payload)
	if err != nil {
		return nil, err
	}
	mapped := mappedPayload.(EventsPayload)
	if target.APIVersion() == 0 {
		return nil, fmt.Errorf("missing api version of target instance '%s' to apply transformations", target.Name)
	}

	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	originPublic := origin.ToPublicObject()
	targetPublic := target.ToPublicObject()
	targetAPI := s.context.API(target)
	version := target.APIVersion()

	var results []SynchronizationResult

	if len(mapped.TrackedEntityInstances) > 0 {
		teis := TEIsPackage{TrackedEntityInstances: mapped.TrackedEntityInstances}
		summary := targetAPI.PostTEIs(ctx, MapPackageTo(version, marshalPayload(teis), eventsTransformations))
		results = append(results, newSyncResult(summary, SyncTypeEvents, targetPublic, originPublic, teis))
	}

	events := EventsPackage{Events: mapped.Events}
	s.context.Logger.Debugf("posting events package with %d events to %s", events.ItemCount(), target.Name)
	summary := targetAPI.PostEvents(ctx, MapPackageTo(version, marshalPayload(events), eventsTransformations))
	results = append(results, newSyncResult(summary, SyncTypeEvents, targetPublic, originPublic, events))

	if len(mapped.DataValues) > 0 {
		values := AggregatedPackage{DataValues: mapped.DataValues}
		if s.context.Builder.DataParams.IgnoreDuplicateExistingValues {
			existing, err := s.aggregated.existingPayload(ctx, target)
			if err != nil {
				results = append(results, errorSyncResult(err.Error(), SyncTypeEvents, targetPublic))
				return results, nil
			}
			values = FilterExistingValues(values, existing)
		}
		summary := targetAPI.PostDataValueSets(ctx, MapPackageTo(version, marshalPayload(values), aggregatedTransformations))
		results = append(results, newSyncResult(summary, SyncTypeEvents, targetPublic, originPublic, values))
	}

	return results, nil
}

// BuildDataStats counts the payload's events per program, listing the org
// units they occurred in.
func (s *EventsSync) BuildDataStats(ctx context.Context) ([]DataStats, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	pkg := payload.(EventsPayload)

	counts := map[string]int{}
	orgUnits := map[string][]string{}
	var order []string
	for _, event := range pkg.Events {
		if counts[event.Program] == 0 {
			order = append(order, event.Program)
		}
		counts[event.Program]++
		orgUnits[event.Program] = append(orgUnits[event.Program], event.OrgUnit)
	}

	stats := make([]DataStats, 0, len(order))
	for _, program := range order {
		stats = append(stats, DataStats{
			Program:  metadata.Name(program),
			Count:    counts[program],
			OrgUnits: uniqStrings(orgUnits[program]),
		})
	}
	return stats, nil
}

// rejectEvents drops events whose program is excluded from the run.
func rejectEvents(events []ProgramEvent, excludedIDs []string) []ProgramEvent {
	if len(excludedIDs) == 0 {
		return events
	}
	excluded := make(map[string]bool, len(excludedIDs))
	for _, id := range excludedIDs {
		excluded[id] = true
	}
	result := make([]ProgramEvent, 0, len(events))
	for _, event := range events {
		if !excluded[event.Program] && !excluded[event.Event] {
			result = append(result, event)
		}
	}
	return result
}
