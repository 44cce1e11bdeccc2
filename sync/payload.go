package sync

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SyncPayload is the interface for all payload types produced by the
// payload builders. Each synchronization type (aggregated, events, metadata,
// deleted) has its own payload type that implements this interface.
type SyncPayload interface {
	ItemCount() int // Returns the number of records carried by the payload
	IsEmpty() bool
}

// Ref is a plain id reference to a metadata object.
type Ref struct {
	ID string `json:"id"`
}

// DataValue is a single aggregated measurement keyed by
// (orgUnit, period, dataElement, categoryOptionCombo, attributeOptionCombo).
type DataValue struct {
	DataElement          string `json:"dataElement"`
	Period               string `json:"period"`
	OrgUnit              string `json:"orgUnit"`
	CategoryOptionCombo  string `json:"categoryOptionCombo,omitempty"`
	AttributeOptionCombo string `json:"attributeOptionCombo,omitempty"`
	Value                string `json:"value"`
	Comment              string `json:"comment,omitempty"`
	StoredBy             string `json:"storedBy,omitempty"`
	Created              string `json:"created,omitempty"`
	LastUpdated          string `json:"lastUpdated,omitempty"`
}

// AggregatedPackage is the payload posted to /api/dataValueSets.
type AggregatedPackage struct {
	DataValues []DataValue `json:"dataValues"`
}

func (p AggregatedPackage) ItemCount() int { return len(p.DataValues) }
func (p AggregatedPackage) IsEmpty() bool  { return len(p.DataValues) == 0 }

// ProgramEventDataValue is one data-element value carried by an event.
type ProgramEventDataValue struct {
	DataElement string `json:"dataElement"`
	Value       string `json:"value"`
	StoredBy    string `json:"storedBy,omitempty"`
}

// ProgramEvent is one occurrence of a program stage for an organisation unit.
type ProgramEvent struct {
	Event                    string                  `json:"event,omitempty"`
	OrgUnit                  string                  `json:"orgUnit"`
	OrgUnitName              string                  `json:"orgUnitName,omitempty"`
	Program                  string                  `json:"program"`
	ProgramStage             string                  `json:"programStage,omitempty"`
	Status                   string                  `json:"status,omitempty"`
	EventDate                string                  `json:"eventDate,omitempty"`
	DueDate                  string                  `json:"dueDate,omitempty"`
	AttributeOptionCombo     string                  `json:"attributeOptionCombo,omitempty"`
	AttributeCategoryOptions string                  `json:"attributeCategoryOptions,omitempty"`
	TrackedEntityInstance    string                  `json:"trackedEntityInstance,omitempty"`
	DataValues               []ProgramEventDataValue `json:"dataValues"`
}

// EventsPackage is the payload posted to /api/events.
type EventsPackage struct {
	Events []ProgramEvent `json:"events"`
}

func (p EventsPackage) ItemCount() int { return len(p.Events) }
func (p EventsPackage) IsEmpty() bool  { return len(p.Events) == 0 }

// TrackedEntityInstance is a longitudinally tracked subject with its
// enrollments and relationships. Only the fields the sync pipeline needs are
// typed; attribute/enrollment shapes pass through untouched.
type TrackedEntityInstance struct {
	TrackedEntityInstance string                   `json:"trackedEntityInstance"`
	OrgUnit               string                   `json:"orgUnit,omitempty"`
	TrackedEntityType     string                   `json:"trackedEntityType,omitempty"`
	Attributes            []map[string]interface{} `json:"attributes,omitempty"`
	Enrollments           []map[string]interface{} `json:"enrollments,omitempty"`
	Relationships         []map[string]interface{} `json:"relationships,omitempty"`
}

// TEIsPackage is the payload posted to /api/trackedEntityInstances.
type TEIsPackage struct {
	TrackedEntityInstances []TrackedEntityInstance `json:"trackedEntityInstances"`
}

func (p TEIsPackage) ItemCount() int { return len(p.TrackedEntityInstances) }
func (p TEIsPackage) IsEmpty() bool  { return len(p.TrackedEntityInstances) == 0 }

// EventsPayload is the composite payload built by the events builder: the
// events themselves plus the optional tracked entity instances and indicator
// data values that are posted in separate phases.
type EventsPayload struct {
	Events                 []ProgramEvent          `json:"events"`
	DataValues             []DataValue             `json:"dataValues,omitempty"`
	TrackedEntityInstances []TrackedEntityInstance `json:"trackedEntityInstances,omitempty"`
}

func (p EventsPayload) ItemCount() int {
	return len(p.Events) + len(p.DataValues) + len(p.TrackedEntityInstances)
}
func (p EventsPayload) IsEmpty() bool { return p.ItemCount() == 0 }

// MetadataPackage is a bag of metadata object collections keyed by model name
// (e.g. "dataElements", "programs"). Objects are kept as parsed JSON results
// rather than typed structs because the set of models and their fields is
// open-ended and must round-trip unknown fields.
type MetadataPackage map[string][]gjson.Result

func (p MetadataPackage) ItemCount() int {
	count := 0
	for _, objects := range p {
		count += len(objects)
	}
	return count
}

func (p MetadataPackage) IsEmpty() bool { return p.ItemCount() == 0 }

// Types returns the model names present in the package, sorted for
// deterministic output.
func (p MetadataPackage) Types() []string {
	types := make([]string, 0, len(p))
	for typ := range p {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// IDs returns the ids of every object in the package.
func (p MetadataPackage) IDs() []string {
	var ids []string
	for _, typ := range p.Types() {
		for _, object := range p[typ] {
			if id := object.Get("id").String(); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Name returns the name of the object with the given id, or the id itself
// when the package does not carry it. Used to label data stats.
func (p MetadataPackage) Name(id string) string {
	for _, objects := range p {
		for _, object := range objects {
			if object.Get("id").String() == id {
				if name := object.Get("name").String(); name != "" {
					return name
				}
			}
		}
	}
	return id
}

// Reject returns a copy of the package without the objects whose id is in ids.
func (p MetadataPackage) Reject(ids []string) MetadataPackage {
	if len(ids) == 0 {
		return p
	}
	excluded := make(map[string]bool, len(ids))
	for _, id := range ids {
		excluded[id] = true
	}
	result := MetadataPackage{}
	for typ, objects := range p {
		var kept []gjson.Result
		for _, object := range objects {
			if !excluded[object.Get("id").String()] {
				kept = append(kept, object)
			}
		}
		if len(kept) > 0 {
			result[typ] = kept
		}
	}
	return result
}

// JSON reassembles the package into the type→array document shape expected
// by the /api/metadata import endpoint.
func (p MetadataPackage) JSON() []byte {
	out := []byte(`{}`)
	for _, typ := range p.Types() {
		raws := make([]string, len(p[typ]))
		for i, object := range p[typ] {
			raws[i] = object.Raw
		}
		out, _ = sjson.SetRawBytes(out, typ, []byte("["+strings.Join(raws, ",")+"]"))
	}
	return out
}

// ParseMetadataPackage parses a type→array metadata document. Non-array
// top-level values (such as the "system" envelope) are ignored.
func ParseMetadataPackage(document string) MetadataPackage {
	result := MetadataPackage{}
	gjson.Parse(document).ForEach(func(key, value gjson.Result) bool {
		if value.IsArray() {
			result[key.String()] = value.Array()
		}
		return true
	})
	return result
}

// marshalPayload serialises a payload for posting. Marshalling these types
// cannot fail, so errors collapse to an empty document.
func marshalPayload(payload interface{}) []byte {
	if pkg, ok := payload.(MetadataPackage); ok {
		return pkg.JSON()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}
