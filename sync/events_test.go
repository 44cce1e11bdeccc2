package sync

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"
)

const eventsMetadataFixture = `{
	"programs": [{"id": "p1", "name": "Program 1", "programStages": [{"id": "s1"}], "programIndicators": [{"id": "pi1"}]}],
	"programStages": [{"id": "s2", "name": "Stage 2"}]
}`

func TestEventsSync_BuildPayload(t *testing.T) {
	var queriedStages []string
	var analyticsCalled bool
	api := &fakeAPI{
		metadata: func(ids []string, fields string) (MetadataPackage, error) {
			return metadataFixture(eventsMetadataFixture), nil
		},
		events: func(params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
			queriedStages = programStageIDs
			return []ProgramEvent{
				{Event: "ev1", Program: "p1", ProgramStage: "s1", OrgUnit: "ou1"},
				{Event: "ev2", Program: "excluded", ProgramStage: "s2", OrgUnit: "ou1"},
			}, nil
		},
		analytics: func(request AnalyticsRequest) ([]DataValue, error) {
			analyticsCalled = true
			return nil, nil
		},
	}

	builder := SynchronizationBuilder{
		MetadataIDs: []string{"p1", "s2"},
		ExcludedIDs: []string{"excluded"},
	}
	syncContext := newTestContext(builder, api)

	payload, err := NewEventsSync(syncContext).BuildPayload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pkg := payload.(EventsPayload)

	// Stage selection is the union of direct stages and program stages.
	if len(queriedStages) != 2 {
		t.Errorf("Expected 2 queried stages but have: %v", queriedStages)
	}
	if len(pkg.Events) != 1 || pkg.Events[0].Event != "ev1" {
		t.Errorf("Expected excluded program's event dropped but have: %+v", pkg.Events)
	}
	if analyticsCalled {
		t.Error("Expected no indicator query when aggregation is disabled")
	}
	if len(pkg.TrackedEntityInstances) != 0 {
		t.Errorf("Expected no TEIs without a selection but have: %+v", pkg.TrackedEntityInstances)
	}
}

func TestEventsSync_BuildPayloadWithTEIsAndIndicators(t *testing.T) {
	api := &fakeAPI{
		metadata: func(ids []string, fields string) (MetadataPackage, error) {
			return metadataFixture(eventsMetadataFixture), nil
		},
		events: func(params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
			return []ProgramEvent{{Event: "ev1", Program: "p1", ProgramStage: "s1", OrgUnit: "ou1"}}, nil
		},
		teis: func(ids []string) ([]TrackedEntityInstance, error) {
			return []TrackedEntityInstance{{
				TrackedEntityInstance: "tei1",
				Relationships:         []map[string]interface{}{{"relationship": "rel1"}},
			}}, nil
		},
		analytics: func(request AnalyticsRequest) ([]DataValue, error) {
			if len(request.DimensionIDs) != 1 || request.DimensionIDs[0] != "pi1" {
				t.Errorf("Expected indicator dimension pi1 but have: %v", request.DimensionIDs)
			}
			return []DataValue{{DataElement: "pi1", Period: "202401", OrgUnit: "ou1", Value: "4"}}, nil
		},
	}

	builder := SynchronizationBuilder{
		MetadataIDs: []string{"p1"},
		DataParams: DataParams{
			EnableAggregation:       true,
			GenerateNewUID:          true,
			TEIs:                    []string{"tei1"},
			ExcludeTEIRelationships: true,
		},
	}
	syncContext := newTestContext(builder, api)

	payload, err := NewEventsSync(syncContext).BuildPayload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pkg := payload.(EventsPayload)

	if pkg.Events[0].Event == "ev1" {
		t.Error("Expected event id regenerated")
	}
	if len(pkg.Events[0].Event) != 11 {
		t.Errorf("Expected generated 11-character id but have: %s", pkg.Events[0].Event)
	}
	if len(pkg.TrackedEntityInstances) != 1 || pkg.TrackedEntityInstances[0].Relationships != nil {
		t.Errorf("Expected TEI without relationships but have: %+v", pkg.TrackedEntityInstances)
	}
	if len(pkg.DataValues) != 1 || pkg.DataValues[0].DataElement != "pi1" {
		t.Errorf("Expected indicator value but have: %+v", pkg.DataValues)
	}
}

func TestMapEvent(t *testing.T) {
	mapping := MetadataMappingDictionary{
		MappingEventPrograms: {
			"p1": {
				MappedID: "p9",
				Mapping: MetadataMappingDictionary{
					MappingProgramStages: {"s1": {MappedID: "s9"}},
				},
			},
		},
		MappingOrgUnits: {"ou1": {MappedID: "ou9"}},
		MappingProgramDataElements: {
			"p1-s1-de1": {MappedID: "de9"},
			"de2":       {MappedID: Disabled},
		},
	}

	event := ProgramEvent{
		Event:                    "ev1",
		Program:                  "p1",
		ProgramStage:             "s1",
		OrgUnit:                  "ou1",
		OrgUnitName:              "Unit One",
		AttributeCategoryOptions: "co1",
		DataValues: []ProgramEventDataValue{
			{DataElement: "de1", Value: "7"},
			{DataElement: "de2", Value: "8"},
		},
	}

	mapped, keep := mapEvent(event, mapping, nil, nil, "")
	if !keep {
		t.Fatal("Expected event to be kept")
	}
	if mapped.Program != "p9" || mapped.ProgramStage != "s9" || mapped.OrgUnit != "ou9" {
		t.Errorf("Expected mapped identifiers but have: %+v", mapped)
	}
	if mapped.OrgUnitName != "" || mapped.AttributeCategoryOptions != "" {
		t.Errorf("Expected denormalised fields stripped but have: %+v", mapped)
	}
	if len(mapped.DataValues) != 1 || mapped.DataValues[0].DataElement != "de9" {
		t.Errorf("Expected disabled value dropped and de1 mapped but have: %+v", mapped.DataValues)
	}
}

func TestMapEvent_DisabledProgramDropsEvent(t *testing.T) {
	mapping := MetadataMappingDictionary{
		MappingEventPrograms: {"p1": {MappedID: Disabled}},
	}
	event := ProgramEvent{Event: "ev1", Program: "p1", OrgUnit: "ou1"}
	if _, keep := mapEvent(event, mapping, nil, nil, ""); keep {
		t.Error("Expected disabled program to drop the event")
	}
}

func TestMapEvent_DefaultComboFallback(t *testing.T) {
	mapping := MetadataMappingDictionary{
		MappingCategoryOptions: {"co1": {MappedID: "co9"}},
	}
	originCombos := []CategoryOptionCombo{
		{ID: "dflt", CategoryOptions: []Ref{{ID: "co1"}}},
	}
	destinationCombos := []CategoryOptionCombo{
		{ID: "coc9", CategoryOptions: []Ref{{ID: "co9"}}},
	}

	event := ProgramEvent{Event: "ev1", Program: "p1", OrgUnit: "ou1"}
	mapped, keep := mapEvent(event, mapping, originCombos, destinationCombos, "dflt")
	if !keep {
		t.Fatal("Expected event to be kept")
	}
	if mapped.AttributeOptionCombo != "coc9" {
		t.Errorf("Expected default combo resolved through its options but have: %q", mapped.AttributeOptionCombo)
	}

	// An explicit combo is not overridden by the default.
	event.AttributeOptionCombo = "unknown"
	mapped, _ = mapEvent(event, mapping, originCombos, destinationCombos, "dflt")
	if mapped.AttributeOptionCombo != "" {
		t.Errorf("Expected unresolvable explicit combo cleared but have: %q", mapped.AttributeOptionCombo)
	}
}

func TestEventsSync_PostPayloadPhases(t *testing.T) {
	var postedTEIs, postedEvents, postedValues []byte
	api := &fakeAPI{
		metadata: func(ids []string, fields string) (MetadataPackage, error) {
			return metadataFixture(eventsMetadataFixture), nil
		},
		events: func(params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
			return []ProgramEvent{{Event: "ev1", Program: "p1", ProgramStage: "s1", OrgUnit: "ou1", EventDate: "2024-01-01"}}, nil
		},
		teis: func(ids []string) ([]TrackedEntityInstance, error) {
			return []TrackedEntityInstance{{TrackedEntityInstance: "tei1"}}, nil
		},
		analytics: func(request AnalyticsRequest) ([]DataValue, error) {
			return []DataValue{{DataElement: "pi1", Period: "202401", OrgUnit: "ou1", Value: "4"}}, nil
		},
		postTEIs: func(payload []byte) ImportSummary {
			postedTEIs = payload
			return ImportSummary{Status: "OK"}
		},
		postEvents: func(payload []byte) ImportSummary {
			postedEvents = payload
			return ImportSummary{Status: "OK"}
		},
		postDataValueSets: func(payload []byte) ImportSummary {
			postedValues = payload
			return ImportSummary{Status: "SUCCESS"}
		},
	}

	builder := SynchronizationBuilder{
		MetadataIDs: []string{"p1"},
		DataParams: DataParams{
			EnableAggregation: true,
			TEIs:              []string{"tei1"},
		},
	}
	syncContext := newTestContext(builder, api)

	target := Instance{ID: "target", Name: "Target", Version: "2.36.1"}
	results, err := NewEventsSync(syncContext).PostPayload(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 3 {
		t.Fatalf("Expected one result per phase but have: %d", len(results))
	}
	for _, result := range results {
		if result.Status != StatusSuccess {
			t.Errorf("Expected success but have: %+v", result)
		}
	}
	if have := gjson.GetBytes(postedTEIs, "trackedEntityInstances.0.trackedEntityInstance").String(); have != "tei1" {
		t.Errorf("Expected TEI phase payload but have: %s", postedTEIs)
	}
	// The 2.36 tracker renames apply to the events phase.
	if have := gjson.GetBytes(postedEvents, "events.0.occurredAt").String(); have != "2024-01-01" {
		t.Errorf("Expected versioned events payload but have: %s", postedEvents)
	}
	if have := gjson.GetBytes(postedValues, "dataValues.0.dataElement").String(); have != "pi1" {
		t.Errorf("Expected indicator phase payload but have: %s", postedValues)
	}
}

func TestEventsSync_BuildDataStats(t *testing.T) {
	api := &fakeAPI{
		metadata: func(ids []string, fields string) (MetadataPackage, error) {
			return metadataFixture(eventsMetadataFixture), nil
		},
		events: func(params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
			return []ProgramEvent{
				{Event: "ev1", Program: "p1", ProgramStage: "s1", OrgUnit: "ou1"},
				{Event: "ev2", Program: "p1", ProgramStage: "s1", OrgUnit: "ou2"},
				{Event: "ev3", Program: "p1", ProgramStage: "s1", OrgUnit: "ou1"},
			}, nil
		},
	}
	syncContext := newTestContext(SynchronizationBuilder{MetadataIDs: []string{"p1"}}, api)

	stats, err := NewEventsSync(syncContext).BuildDataStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected 1 stats entry but have: %+v", stats)
	}
	if stats[0].Program != "Program 1" || stats[0].Count != 3 {
		t.Errorf("Expected program entry with count 3 but have: %+v", stats[0])
	}
	if len(stats[0].OrgUnits) != 2 {
		t.Errorf("Expected 2 distinct org units but have: %v", stats[0].OrgUnits)
	}
}
