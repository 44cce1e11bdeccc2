package sync

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

// ReportRow is a single row in the exported report: one posting outcome.
type ReportRow struct {
	Instance string // Target instance name
	Type     string // Humanized synchronization type
	Status   string
	Message  string
	Created  int
	Updated  int
	Deleted  int
	Ignored  int
	Total    int
	Date     string // RFC 3339 timestamp of the posting
}

// BuildReportRows flattens a report's results into export rows, in result
// order.
func BuildReportRows(report *SyncReport) []ReportRow {
	rows := make([]ReportRow, 0, len(report.Results))
	for _, result := range report.Results {
		row := ReportRow{
			Instance: result.Instance.Name,
			Type:     HumanizeModelName(string(result.Type)),
			Status:   string(result.Status),
			Message:  result.Message,
			Date:     result.Date.Format("2006-01-02T15:04:05Z07:00"),
		}
		if result.Report != nil {
			stats := result.Report.Stats
			row.Created = stats.Created
			row.Updated = stats.Updated
			row.Deleted = stats.Deleted
			row.Ignored = stats.Ignored
			row.Total = stats.Total
		}
		rows = append(rows, row)
	}
	return rows
}

// FormatCSV formats the report as CSV for download.
func (r *SyncReport) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	// Write report comment
	if err := writer.Write([]string{fmt.Sprintf("# Synchronization report: %s", r.ID)}); err != nil {
		return "", err
	}

	headers := []string{"Instance", "Type", "Status", "Message", "Created", "Updated", "Deleted", "Ignored", "Total", "Date"}
	if err := writer.Write(headers); err != nil {
		return "", err
	}

	for _, row := range BuildReportRows(r) {
		record := []string{
			row.Instance,
			row.Type,
			row.Status,
			row.Message,
			strconv.Itoa(row.Created),
			strconv.Itoa(row.Updated),
			strconv.Itoa(row.Deleted),
			strconv.Itoa(row.Ignored),
			strconv.Itoa(row.Total),
			row.Date,
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Summary renders a one-line human-readable outcome for notifications.
func (r *SyncReport) Summary() string {
	succeeded, failed := 0, 0
	for _, result := range r.Results {
		switch result.Status {
		case StatusError, StatusNetworkError:
			failed++
		case StatusSuccess:
			succeeded++
		}
	}
	types := make([]string, len(r.Types))
	for i, typ := range r.Types {
		types[i] = HumanizeModelName(typ)
	}
	label := strings.Join(types, ", ")
	if label == "" {
		label = HumanizeModelName(string(r.Type))
	}
	return fmt.Sprintf("%s sync finished with status %s: %d succeeded, %d failed", label, r.Status, succeeded, failed)
}

// HumanizeModelName converts a camel-cased model name ("dataElements") to a
// title-cased label ("Data Elements").
func HumanizeModelName(name string) string {
	words := strings.Fields(strcase.ToDelimited(name, ' '))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
