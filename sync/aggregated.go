package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// aggregatedFields is the metadata projection the aggregated builder needs:
// the data set / group / group set structure around the selected elements.
const aggregatedFields = "id,name,dataElements[id,name],dataSetElements[:all,dataElement[id,name]],dataElementGroups[id,dataElements[id,name]]"

// AggregatedSync builds, maps and posts aggregated data value payloads.
type AggregatedSync struct {
	genericSync

	payloadOnce gosync.Once
	payload     AggregatedPackage
	payloadErr  error
}

// NewAggregatedSync returns the aggregated payload builder for a run.
func NewAggregatedSync(context *SyncContext) *AggregatedSync {
	return &AggregatedSync{genericSync: newGenericSync(context, aggregatedFields)}
}

func (s *AggregatedSync) Type() SynchronizationType { return SyncTypeAggregated }

// BuildPayload gathers the data values of the run, in direct query mode or
// analytics mode depending on the aggregation flag. Memoized.
func (s *AggregatedSync) BuildPayload(ctx context.Context) (SyncPayload, error) {
	s.payloadOnce.Do(func() {
		if s.context.Builder.DataParams.EnableAggregation {
			s.payload, s.payloadErr = s.buildAnalyticsPayload(ctx)
		} else {
			s.payload, s.payloadErr = s.buildNormalPayload(ctx)
		}
	})
	return s.payload, s.payloadErr
}

// buildNormalPayload queries direct data values scoped to the selected data
// sets and groups, plus candidate values scoped to the selected data
// elements' own associations, keeping only candidates whose data element was
// explicitly requested. Direct and indirect sets are unioned, deduplicated by
// full equality and filtered by the excluded ids.
func (s *AggregatedSync) buildNormalPayload(ctx context.Context) (AggregatedPackage, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	origin, err := s.originInstance(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	return s.normalPayloadFrom(ctx, s.context.API(origin), metadata)
}

func (s *AggregatedSync) normalPayloadFrom(ctx context.Context, api InstanceAPI, metadata MetadataPackage) (AggregatedPackage, error) {
	params := s.context.Builder.DataParams

	dataSetIDs := objectIDs(metadata["dataSets"])
	groupIDs := objectIDs(metadata["dataElementGroups"])
	groupIDs = append(groupIDs, nestedIDs(metadata["dataElementGroupSets"], "dataElementGroups.#.id")...)

	dataElements := metadata["dataElements"]
	requested := make(map[string]bool, len(dataElements))
	for _, id := range objectIDs(dataElements) {
		requested[id] = true
	}
	elementDataSetIDs := nestedIDs(dataElements, "dataSetElements.#.dataSet.id")
	elementGroupIDs := nestedIDs(dataElements, "dataElementGroups.#.id")

	// Direct and candidate queries touch disjoint server resources, so they
	// are issued concurrently and combined synchronously.
	var direct, candidates []DataValue
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		direct, err = api.GetDataValueSets(groupCtx, params, dataSetIDs, groupIDs)
		return err
	})
	group.Go(func() error {
		var err error
		candidates, err = api.GetDataValueSets(groupCtx, params, elementDataSetIDs, elementGroupIDs)
		return err
	})
	if err := group.Wait(); err != nil {
		return AggregatedPackage{}, err
	}

	merged := append([]DataValue(nil), direct...)
	for _, candidate := range candidates {
		if requested[candidate.DataElement] {
			merged = append(merged, candidate)
		}
	}

	return AggregatedPackage{
		DataValues: rejectDataValues(dedupDataValues(merged), s.context.Builder.ExcludedIDs),
	}, nil
}

// buildAnalyticsPayload issues one analytics query across all
// data-element-derived dimension ids (with categories) and one across the
// selected indicators (without categories), then concatenates and filters.
func (s *AggregatedSync) buildAnalyticsPayload(ctx context.Context) (AggregatedPackage, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	origin, err := s.originInstance(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	api := s.context.API(origin)
	params := s.context.Builder.DataParams

	dimensionIDs := objectIDs(metadata["dataElements"])
	dimensionIDs = append(dimensionIDs, nestedIDs(metadata["dataSets"], "dataSetElements.#.dataElement.id")...)
	dimensionIDs = append(dimensionIDs, nestedIDs(metadata["dataElementGroups"], "dataElements.#.id")...)
	for _, groupSet := range metadata["dataElementGroupSets"] {
		for _, group := range groupSet.Get("dataElementGroups").Array() {
			dimensionIDs = append(dimensionIDs, resultStrings(group.Get("dataElements.#.id"))...)
		}
	}
	indicatorIDs := objectIDs(metadata["indicators"])

	var elementValues, indicatorValues []DataValue
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		elementValues, err = api.GetAnalytics(groupCtx, AnalyticsRequest{
			Params:            params,
			DimensionIDs:      dimensionIDs,
			IncludeCategories: true,
		})
		return err
	})
	group.Go(func() error {
		var err error
		indicatorValues, err = api.GetAnalytics(groupCtx, AnalyticsRequest{
			Params:            params,
			DimensionIDs:      indicatorIDs,
			IncludeCategories: false,
		})
		return err
	})
	if err := group.Wait(); err != nil {
		return AggregatedPackage{}, err
	}

	return AggregatedPackage{
		DataValues: rejectDataValues(append(elementValues, indicatorValues...), s.context.Builder.ExcludedIDs),
	}, nil
}

// MapPayload remaps the payload's data values for the target instance.
func (s *AggregatedSync) MapPayload(ctx context.Context, target Instance, payload SyncPayload) (SyncPayload, error) {
	pkg, ok := payload.(AggregatedPackage)
	if !ok {
		return nil, fmt.Errorf("aggregated sync cannot map payload of type %T", payload)
	}
	return s.mapAggregatedPayload(ctx, target, pkg)
}

// mapAggregatedPayload resolves org unit, data element, value, comment and
// both option combos of every data value through the two-scope resolver,
// strips the target's default ids, drops disabled records and deduplicates by
// the (orgUnit, period, dataElement, categoryOptionCombo) key. In analytics
// mode the instance-aggregated values of the category option overrides are
// prepended first, so they win the dedup over the raw extracted values.
func (s *AggregatedSync) mapAggregatedPayload(ctx context.Context, target Instance, pkg AggregatedPackage) (AggregatedPackage, error) {
	origin, err := s.originInstance(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	originCombos, err := s.context.API(origin).GetCategoryOptionCombos(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	targetAPI := s.context.API(target)
	destinationCombos, err := targetAPI.GetCategoryOptionCombos(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}
	defaultIDs, err := targetAPI.GetDefaultIDs(ctx)
	if err != nil {
		return AggregatedPackage{}, err
	}

	mapping := target.MetadataMapping
	instanceValues, err := s.instanceAggregation(ctx, mapping, destinationCombos)
	if err != nil {
		return AggregatedPackage{}, err
	}

	combined := append(instanceValues, pkg.DataValues...)
	seen := make(map[string]bool, len(combined))
	dataValues := make([]DataValue, 0, len(combined))
	for _, dataValue := range combined {
		mapped := mapDataValue(dataValue, mapping, originCombos, destinationCombos)
		mapped = CleanDataValueDefault(mapped, defaultIDs)
		if containsDisabled(mapped.OrgUnit, mapped.DataElement, mapped.CategoryOptionCombo, mapped.AttributeOptionCombo, mapped.Value) {
			continue
		}
		key := strings.Join([]string{mapped.OrgUnit, mapped.Period, mapped.DataElement, mapped.CategoryOptionCombo}, "-")
		if seen[key] {
			continue
		}
		seen[key] = true
		dataValues = append(dataValues, mapped)
	}
	return AggregatedPackage{DataValues: dataValues}, nil
}

func mapDataValue(
	dataValue DataValue,
	mapping MetadataMappingDictionary,
	originCombos []CategoryOptionCombo,
	destinationCombos []CategoryOptionCombo,
) DataValue {
	entry, _ := mapping.Lookup(MappingAggregatedDataElements, dataValue.DataElement)
	scopes := mappingScopes(entry.Mapping, mapping)

	mapped := dataValue
	mapped.OrgUnit = MapID(MappingOrgUnits, CleanOrgUnitPath(dataValue.OrgUnit), mapping)
	if entry.MappedID != "" {
		mapped.DataElement = entry.MappedID
	}
	mapped.Value = MapOptionValue(dataValue.Value, scopes...)
	if dataValue.Comment != "" {
		mapped.Comment = MapOptionValue(dataValue.Comment, scopes...)
	}
	if combo, ok := MapCategoryOptionCombo(dataValue.CategoryOptionCombo, scopes, originCombos, destinationCombos); ok {
		mapped.CategoryOptionCombo = combo
	}
	if combo, ok := MapCategoryOptionCombo(dataValue.AttributeOptionCombo, scopes, originCombos, destinationCombos); ok {
		mapped.AttributeOptionCombo = combo
	} else {
		mapped.AttributeOptionCombo = ""
	}
	return mapped
}

// mappedCategoryOption is one instance-side aggregation query: the origin
// category options of a data element that resolve to a single destination
// option combo.
type mappedCategoryOption struct {
	dataElement       string
	category          string
	options           []string
	mappedOptionCombo string
}

// instanceAggregation re-aggregates option-mapped data elements on the origin
// instance: one analytics query per category option override group, filtered
// to the origin options, with the resulting values stamped with the
// destination option combo the options resolve to. Only active in analytics
// mode.
func (s *AggregatedSync) instanceAggregation(ctx context.Context, mapping MetadataMappingDictionary, destinationCombos []CategoryOptionCombo) ([]DataValue, error) {
	if !s.context.Builder.DataParams.EnableAggregation {
		return nil, nil
	}
	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	api := s.context.API(origin)
	params := s.context.Builder.DataParams

	var result []DataValue
	for _, query := range mappedCategoryOptions(mapping, destinationCombos) {
		dataValues, err := api.GetAnalytics(ctx, AnalyticsRequest{
			Params:       params,
			DimensionIDs: []string{query.dataElement},
			Filters:      []string{query.category + ":" + strings.Join(query.options, ";")},
		})
		if err != nil {
			return nil, err
		}
		for i := range dataValues {
			dataValues[i].CategoryOptionCombo = query.mappedOptionCombo
		}
		result = append(result, dataValues...)
	}
	return result, nil
}

// mappedCategoryOptions derives the instance aggregation queries from the
// category option overrides of the dictionary. Override keys are
// "category-option" compounds; options of the same data element and category
// resolving to the same destination combo share one query. Iteration is
// sorted so the queries are issued in a stable order.
func mappedCategoryOptions(mapping MetadataMappingDictionary, destinationCombos []CategoryOptionCombo) []mappedCategoryOption {
	elements := mapping[MappingAggregatedDataElements]
	dataElements := make([]string, 0, len(elements))
	for dataElement := range elements {
		dataElements = append(dataElements, dataElement)
	}
	sort.Strings(dataElements)

	var result []mappedCategoryOption
	index := map[string]int{}
	for _, dataElement := range dataElements {
		overrides := elements[dataElement].Mapping[MappingCategoryOptions]
		keys := make([]string, 0, len(overrides))
		for key := range overrides {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			mappedID := overrides[key].MappedID
			sep := strings.LastIndex(key, "-")
			if mappedID == "" || mappedID == Disabled || sep < 0 {
				continue
			}
			category, option := key[:sep], key[sep+1:]
			combo := comboWithOption(destinationCombos, mappedID)
			if combo == "" {
				continue
			}
			groupKey := strings.Join([]string{dataElement, category, combo}, "-")
			if i, ok := index[groupKey]; ok {
				result[i].options = append(result[i].options, option)
				continue
			}
			index[groupKey] = len(result)
			result = append(result, mappedCategoryOption{
				dataElement:       dataElement,
				category:          category,
				options:           []string{option},
				mappedOptionCombo: combo,
			})
		}
	}
	return result
}

// comboWithOption returns the id of the first combo carrying the option.
func comboWithOption(combos []CategoryOptionCombo, optionID string) string {
	for _, combo := range combos {
		for _, option := range combo.CategoryOptions {
			if option.ID == optionID {
				return combo.ID
			}
		}
	}
	return ""
}

// PostPayload builds, maps, version-transforms and posts the aggregated
// payload to the target.
func (s *AggregatedSync) PostPayload(ctx context.Context, target Instance) ([]SynchronizationResult, error) {
	payload, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	mapped, err := s.MapPayload(ctx, target, payload)
	if err != nil {
		return nil, err
	}
	if target.APIVersion() == 0 {
		return nil, fmt.Errorf("missing api version of target instance '%s' to apply transformations", target.Name)
	}

	versioned := MapPackageTo(target.APIVersion(), marshalPayload(mapped), aggregatedTransformations)
	s.context.Logger.Debugf("posting aggregated package with %d values to %s", mapped.ItemCount(), target.Name)

	summary := s.context.API(target).PostDataValueSets(ctx, versioned)
	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	result := newSyncResult(summary, SyncTypeAggregated, target.ToPublicObject(), origin.ToPublicObject(), mapped)
	return []SynchronizationResult{result}, nil
}

// BuildDataStats counts the payload's data values per data element.
func (s *AggregatedSync) BuildDataStats(ctx context.Context) ([]DataStats, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	pkg := payload.(AggregatedPackage)

	counts := map[string]int{}
	var order []string
	for _, dataValue := range pkg.DataValues {
		if counts[dataValue.DataElement] == 0 {
			order = append(order, dataValue.DataElement)
		}
		counts[dataValue.DataElement]++
	}

	stats := make([]DataStats, 0, len(order))
	for _, dataElement := range order {
		stats = append(stats, DataStats{
			DataElement: metadata.Name(dataElement),
			Count:       counts[dataElement],
		})
	}
	return stats, nil
}

// existingPayload rebuilds the aggregated payload against the target
// instance, used to diff indicator values against what the target already
// holds.
func (s *AggregatedSync) existingPayload(ctx context.Context, target Instance) (AggregatedPackage, error) {
	targetAPI := s.context.API(target)
	metadata, err := targetAPI.GetMetadataByIDs(ctx, cleanMetadataIDs(s.context.Builder.MetadataIDs), s.fields)
	if err != nil {
		return AggregatedPackage{}, err
	}
	return s.normalPayloadFrom(ctx, targetAPI, metadata)
}

// FilterExistingValues removes from payload every data value already present
// (by full equality) in existing.
func FilterExistingValues(payload, existing AggregatedPackage) AggregatedPackage {
	if len(existing.DataValues) == 0 {
		return payload
	}
	present := make(map[DataValue]bool, len(existing.DataValues))
	for _, dataValue := range existing.DataValues {
		present[dataValue] = true
	}
	kept := make([]DataValue, 0, len(payload.DataValues))
	for _, dataValue := range payload.DataValues {
		if !present[dataValue] {
			kept = append(kept, dataValue)
		}
	}
	return AggregatedPackage{DataValues: kept}
}

// dedupDataValues removes exact duplicates, preserving first-seen order.
func dedupDataValues(dataValues []DataValue) []DataValue {
	seen := make(map[DataValue]bool, len(dataValues))
	result := make([]DataValue, 0, len(dataValues))
	for _, dataValue := range dataValues {
		if seen[dataValue] {
			continue
		}
		seen[dataValue] = true
		result = append(result, dataValue)
	}
	return result
}

// rejectDataValues drops values whose data element is excluded from the run.
func rejectDataValues(dataValues []DataValue, excludedIDs []string) []DataValue {
	if len(excludedIDs) == 0 {
		return dataValues
	}
	excluded := make(map[string]bool, len(excludedIDs))
	for _, id := range excludedIDs {
		excluded[id] = true
	}
	result := make([]DataValue, 0, len(dataValues))
	for _, dataValue := range dataValues {
		if !excluded[dataValue.DataElement] {
			result = append(result, dataValue)
		}
	}
	return result
}

// objectIDs collects the id field of every object.
func objectIDs(objects []gjson.Result) []string {
	ids := make([]string, 0, len(objects))
	for _, object := range objects {
		if id := object.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// nestedIDs collects the ids at a nested path of every object.
func nestedIDs(objects []gjson.Result, path string) []string {
	var ids []string
	for _, object := range objects {
		ids = append(ids, resultStrings(object.Get(path))...)
	}
	return ids
}

func resultStrings(result gjson.Result) []string {
	values := result.Array()
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s := value.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
