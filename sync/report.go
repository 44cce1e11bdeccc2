package sync

import (
	"time"
)

// SynchronizationType identifies which payload builder a sync run uses.
type SynchronizationType string

const (
	SyncTypeMetadata   SynchronizationType = "metadata"
	SyncTypeAggregated SynchronizationType = "aggregated"
	SyncTypeEvents     SynchronizationType = "events"
	SyncTypeDeleted    SynchronizationType = "deleted"
)

// SynchronizationStatus is the outcome of posting one payload to one instance.
type SynchronizationStatus string

const (
	StatusPending      SynchronizationStatus = "PENDING"
	StatusSuccess      SynchronizationStatus = "SUCCESS"
	StatusError        SynchronizationStatus = "ERROR"
	StatusNetworkError SynchronizationStatus = "NETWORK ERROR"
)

// ReportStatus is the overall status of a sync run.
type ReportStatus string

const (
	ReportStatusRunning ReportStatus = "RUNNING"
	ReportStatusDone    ReportStatus = "DONE"
	ReportStatusFailure ReportStatus = "FAILURE"
)

// ImportStats are the server-side counts of an import.
type ImportStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Ignored int `json:"ignored"`
	Total   int `json:"total"`
}

// ObjectReport is the per-object entry of a type report.
type ObjectReport struct {
	Klass string `json:"klass"`
	Index int    `json:"index"`
	UID   string `json:"uid"`
}

// TypeReport is the per-model breakdown of an import report.
type TypeReport struct {
	Klass         string         `json:"klass"`
	Stats         ImportStats    `json:"stats"`
	ObjectReports []ObjectReport `json:"objectReports,omitempty"`
}

// ImportSummary is the response envelope of the DHIS2 import endpoints. The
// shape is preserved verbatim so reports can show the server's own counts and
// per-object messages without re-querying the target.
type ImportSummary struct {
	Status      string       `json:"status"`
	Message     string       `json:"message,omitempty"`
	Stats       ImportStats  `json:"stats"`
	TypeReports []TypeReport `json:"typeReports,omitempty"`
}

// SyncStatus converts the server status string to a synchronization status.
func (s ImportSummary) SyncStatus() SynchronizationStatus {
	switch s.Status {
	case "OK", "SUCCESS", "WARNING":
		return StatusSuccess
	case string(StatusNetworkError):
		return StatusNetworkError
	default:
		return StatusError
	}
}

// PublicInstance is a credential-free snapshot of an instance, safe to embed
// in persisted reports.
type PublicInstance struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SynchronizationResult is the outcome of posting one payload to one
// instance.
type SynchronizationResult struct {
	Status   SynchronizationStatus `json:"status"`
	Message  string                `json:"message,omitempty"`
	Instance PublicInstance        `json:"instance"`
	Origin   *PublicInstance       `json:"origin,omitempty"`
	Report   *ImportSummary        `json:"report,omitempty"`
	Payload  interface{}           `json:"payload,omitempty"`
	Date     time.Time             `json:"date"`
	Type     SynchronizationType   `json:"type"`
}

// newSyncResult builds a result from an import summary.
func newSyncResult(summary ImportSummary, syncType SynchronizationType, instance, origin PublicInstance, payload interface{}) SynchronizationResult {
	originCopy := origin
	return SynchronizationResult{
		Status:   summary.SyncStatus(),
		Message:  summary.Message,
		Instance: instance,
		Origin:   &originCopy,
		Report:   &summary,
		Payload:  payload,
		Date:     time.Now().UTC(),
		Type:     syncType,
	}
}

// errorSyncResult builds an ERROR result carrying the failure message.
func errorSyncResult(message string, syncType SynchronizationType, instance PublicInstance) SynchronizationResult {
	return SynchronizationResult{
		Status:   StatusError,
		Message:  message,
		Instance: instance,
		Date:     time.Now().UTC(),
		Type:     syncType,
	}
}

// DataStats summarises the data carried by a payload, grouped by data element
// (aggregated) or by program (events).
type DataStats struct {
	DataElement string   `json:"dataElement,omitempty"`
	Program     string   `json:"program,omitempty"`
	Count       int      `json:"count"`
	OrgUnits    []string `json:"orgUnits,omitempty"`
}

// SyncReport aggregates the outcome of one sync run. It is owned and
// exclusively mutated by the synchronizer while the run is in progress, then
// handed to storage for persistence.
type SyncReport struct {
	ID        string                  `json:"id"`
	User      string                  `json:"user"`
	Types     []string                `json:"types"`
	Status    ReportStatus            `json:"status"`
	SyncRule  string                  `json:"syncRule,omitempty"`
	Type      SynchronizationType     `json:"type"`
	DataStats []DataStats             `json:"dataStats,omitempty"`
	Results   []SynchronizationResult `json:"results"`
	Date      time.Time               `json:"date"`
}

// Identifier implements Identifiable for collection storage.
func (r *SyncReport) Identifier() string { return r.ID }

// AddSyncResults appends results to the report. A PENDING placeholder for the
// same instance is replaced by the first real result that arrives for it.
func (r *SyncReport) AddSyncResults(results ...SynchronizationResult) {
	for _, result := range results {
		replaced := false
		for i := range r.Results {
			if r.Results[i].Status == StatusPending && r.Results[i].Instance.ID == result.Instance.ID {
				r.Results[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			r.Results = append(r.Results, result)
		}
	}
}

// HasErrors reports whether any result failed.
func (r *SyncReport) HasErrors() bool {
	for _, result := range r.Results {
		if result.Status == StatusError || result.Status == StatusNetworkError {
			return true
		}
	}
	return false
}

// Finish sets the final status: FAILURE iff at least one result has an error
// status, DONE otherwise.
func (r *SyncReport) Finish() {
	if r.HasErrors() {
		r.Status = ReportStatusFailure
	} else {
		r.Status = ReportStatusDone
	}
}
