package sync

import (
	"sort"
	"strings"
)

// Disabled is the sentinel mapping target meaning "suppress this record".
// A record carrying it in any identifying field is dropped from the payload
// instead of being posted with a substituted id.
const Disabled = "DISABLED"

// Mapping dictionary categories used by the sync pipeline.
const (
	MappingOrgUnits               = "organisationUnits"
	MappingAggregatedDataElements = "aggregatedDataElements"
	MappingEventPrograms          = "eventPrograms"
	MappingProgramStages          = "programStages"
	MappingProgramDataElements    = "programDataElements"
	MappingOptions                = "options"
	MappingCategoryOptions        = "categoryOptions"
)

// MetadataMapping is one entry of a mapping dictionary: the corresponding id
// on the target instance plus an optional inner mapping scoped to the object
// (category option and option value overrides).
type MetadataMapping struct {
	MappedID string                    `json:"mappedId,omitempty"`
	Mapping  MetadataMappingDictionary `json:"mapping,omitempty"`
}

// MetadataMappingDictionary is a per-instance nested mapping keyed by
// metadata category (e.g. organisationUnits, aggregatedDataElements) to
// per-object mapping entries. Inner mappings carried by an entry take
// precedence over the global dictionary when both define the same field.
type MetadataMappingDictionary map[string]map[string]MetadataMapping

// Lookup returns the mapping entry for an id within a category.
func (d MetadataMappingDictionary) Lookup(category, id string) (MetadataMapping, bool) {
	entries, ok := d[category]
	if !ok {
		return MetadataMapping{}, false
	}
	entry, ok := entries[id]
	return entry, ok
}

// MapID resolves id through the given scopes, innermost first. The first
// scope whose dictionary contains the id wins; if no scope defines an
// override the id is returned unchanged.
func MapID(category, id string, scopes ...MetadataMappingDictionary) string {
	for _, scope := range scopes {
		if entry, ok := scope.Lookup(category, id); ok && entry.MappedID != "" {
			return entry.MappedID
		}
	}
	return id
}

// MapOptionValue resolves a literal data value through the option mappings of
// the given scopes with the same precedence as MapID. Used to remap option
// codes that differ between instances.
func MapOptionValue(value string, scopes ...MetadataMappingDictionary) string {
	return MapID(MappingOptions, value, scopes...)
}

// MapProgramDataElement resolves the mapping entry for an event data element,
// honouring program and program-stage scoped keys before the bare data
// element key. Returns a zero entry when no scope defines one.
func MapProgramDataElement(program, programStage, dataElement string, scopes ...MetadataMappingDictionary) MetadataMapping {
	keys := []string{
		program + "-" + programStage + "-" + dataElement,
		program + "-" + dataElement,
		dataElement,
	}
	for _, scope := range scopes {
		for _, key := range keys {
			if entry, ok := scope.Lookup(MappingProgramDataElements, key); ok {
				return entry
			}
		}
	}
	return MetadataMapping{}
}

// CategoryOptionCombo is the composite key formed from one option per
// category in a category combination.
type CategoryOptionCombo struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	CategoryCombo   Ref    `json:"categoryCombo,omitempty"`
	CategoryOptions []Ref  `json:"categoryOptions,omitempty"`
}

// MapCategoryOptionCombo resolves a category option combo across instances.
// Combos are composite, so resolution decomposes the origin combo into its
// category options, maps each option independently through the scopes, and
// looks up the destination combo whose option set matches exactly. The second
// return value is false when the combo cannot be resolved; the caller decides
// the fallback (typically keeping the original id).
func MapCategoryOptionCombo(
	comboID string,
	scopes []MetadataMappingDictionary,
	originCombos []CategoryOptionCombo,
	destinationCombos []CategoryOptionCombo,
) (string, bool) {
	if comboID == "" {
		return "", false
	}

	var origin *CategoryOptionCombo
	for i := range originCombos {
		if originCombos[i].ID == comboID {
			origin = &originCombos[i]
			break
		}
	}
	if origin == nil {
		return "", false
	}

	mappedOptions := make([]string, 0, len(origin.CategoryOptions))
	for _, option := range origin.CategoryOptions {
		mapped := MapID(MappingCategoryOptions, option.ID, scopes...)
		if mapped == Disabled {
			return Disabled, true
		}
		mappedOptions = append(mappedOptions, mapped)
	}

	for _, destination := range destinationCombos {
		if sameOptionSet(mappedOptions, destination.CategoryOptions) {
			return destination.ID, true
		}
	}
	return "", false
}

// sameOptionSet reports whether the mapped option ids match the destination
// combo's option set exactly, ignoring order.
func sameOptionSet(options []string, destination []Ref) bool {
	if len(options) != len(destination) {
		return false
	}
	left := append([]string(nil), options...)
	right := make([]string, len(destination))
	for i, ref := range destination {
		right[i] = ref.ID
	}
	sort.Strings(left)
	sort.Strings(right)
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

// CleanOrgUnitPath reduces an org unit path ("/root/.../unit") to the unit id.
func CleanOrgUnitPath(orgUnitPath string) string {
	parts := strings.Split(orgUnitPath, "/")
	return parts[len(parts)-1]
}

// CleanDataValueDefault strips combo fields equal to one of the destination
// instance's default ids so the server fills in its own defaults on import.
func CleanDataValueDefault(dataValue DataValue, defaultIDs []string) DataValue {
	for _, id := range defaultIDs {
		if dataValue.CategoryOptionCombo == id {
			dataValue.CategoryOptionCombo = ""
		}
		if dataValue.AttributeOptionCombo == id {
			dataValue.AttributeOptionCombo = ""
		}
	}
	return dataValue
}

// containsDisabled reports whether any identifying field carries the
// Disabled sentinel.
func containsDisabled(fields ...string) bool {
	for _, field := range fields {
		if field == Disabled {
			return true
		}
	}
	return false
}
