package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
)

// MetadataAPI is the metadata surface of an instance.
type MetadataAPI interface {
	// GetMetadataByIDs fetches the metadata objects for the given ids with the
	// given field projection, batching requests and merging the responses into
	// a single package.
	GetMetadataByIDs(ctx context.Context, ids []string, fields string) (MetadataPackage, error)
	PostMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary
	DeleteMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary
	GetCategoryOptionCombos(ctx context.Context) ([]CategoryOptionCombo, error)
	GetDefaultIDs(ctx context.Context) ([]string, error)
}

// AggregatedAPI is the aggregated data value surface of an instance.
type AggregatedAPI interface {
	GetDataValueSets(ctx context.Context, params DataParams, dataSetIDs, dataElementGroupIDs []string) ([]DataValue, error)
	GetAnalytics(ctx context.Context, request AnalyticsRequest) ([]DataValue, error)
	PostDataValueSets(ctx context.Context, payload []byte) ImportSummary
}

// EventsAPI is the event surface of an instance.
type EventsAPI interface {
	GetEvents(ctx context.Context, params DataParams, programStageIDs []string) ([]ProgramEvent, error)
	PostEvents(ctx context.Context, payload []byte) ImportSummary
}

// TEIsAPI is the tracked entity instance surface of an instance.
type TEIsAPI interface {
	GetTEIsByID(ctx context.Context, ids []string) ([]TrackedEntityInstance, error)
	PostTEIs(ctx context.Context, payload []byte) ImportSummary
}

// SystemAPI is the system surface of an instance.
type SystemAPI interface {
	GetVersion(ctx context.Context) (string, error)
	GetUser(ctx context.Context) (User, error)
	GetOrgUnitRoots(ctx context.Context) ([]OrgUnit, error)
	SendMessage(ctx context.Context, message InstanceMessage) error
}

// InstanceAPI is the full platform API surface the sync pipeline consumes
// from one instance.
type InstanceAPI interface {
	MetadataAPI
	AggregatedAPI
	EventsAPI
	TEIsAPI
	SystemAPI
}

// AnalyticsRequest describes one analytics query.
type AnalyticsRequest struct {
	Params            DataParams
	DimensionIDs      []string
	IncludeCategories bool
	Filters           []string
}

// D2APIClient implements InstanceAPI against a live DHIS2 instance.
type D2APIClient struct {
	instance Instance
	logger   *logrus.Logger
}

// NewD2APIClient returns a client for the given instance.
func NewD2APIClient(instance Instance, logger *logrus.Logger) *D2APIClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &D2APIClient{instance: instance, logger: logger}
}

// api returns a new requests.Builder configured for the instance.
func (c *D2APIClient) api() *requests.Builder {
	result := requests.
		URL(c.instance.URL).
		Client(&http.Client{Timeout: HTTPRequestTimeout})
	if c.instance.Username != "" {
		result = result.BasicAuth(c.instance.Username, c.instance.Password)
	}
	return result
}

// apiError is the structured error body of the platform.
type apiError struct {
	HTTPStatus     string `json:"httpStatus"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// importErrorBody is the error body of an import endpoint: the structured
// error fields plus whatever part of the import report the server included.
type importErrorBody struct {
	ImportSummary
	HTTPStatus     string `json:"httpStatus"`
	HTTPStatusCode int    `json:"httpStatusCode"`
}

// captureStatus records the response status code before validation runs, so
// error normalisation can report it when the body carries no detail.
func captureStatus(code *int) requests.ResponseHandler {
	return func(res *http.Response) error {
		*code = res.StatusCode
		return nil
	}
}

// fetchError normalises a failed fetch into a single human-readable error:
// the platform's structured httpStatus/httpStatusCode/message when available,
// a bare status line otherwise, and the transport error as-is for pure
// network failures.
func fetchError(err error, body apiError, statusCode int) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, requests.ErrValidator) && body.HTTPStatusCode != 0:
		message := body.Message
		if message == "" {
			message = "Request failed unexpectedly"
		}
		return fmt.Errorf("Error %d (%s): %s", body.HTTPStatusCode, body.HTTPStatus, message)
	case errors.Is(err, requests.ErrValidator):
		return fmt.Errorf("Unknown error: %d %s", statusCode, http.StatusText(statusCode))
	default:
		return err
	}
}

// buildResponseError converts a failed import into an ImportSummary so
// posting failures surface as result values rather than exceptions.
func (c *D2APIClient) buildResponseError(err error, body importErrorBody, statusCode int) ImportSummary {
	switch {
	case errors.Is(err, requests.ErrValidator) && body.HTTPStatusCode != 0:
		summary := body.ImportSummary
		if summary.Status == "" {
			summary.Status = "ERROR"
		}
		message := body.Message
		if message == "" {
			message = "Request failed unexpectedly"
		}
		summary.Message = fmt.Sprintf("Error %d (%s): %s", body.HTTPStatusCode, body.HTTPStatus, message)
		return summary
	case errors.Is(err, requests.ErrValidator):
		return ImportSummary{
			Status:  "ERROR",
			Message: fmt.Sprintf("Unknown error: %d %s", statusCode, http.StatusText(statusCode)),
		}
	default:
		c.logger.Warnf("request to %s failed without a response: %v", c.instance.URL, err)
		return ImportSummary{Status: string(StatusNetworkError)}
	}
}

// GetMetadataByIDs fetches metadata objects by id, slicing the id set into
// batches of metadataBatchSize issued through a bounded worker group, and
// deep-merges the responses into one package. The system envelope of the
// responses is discarded.
func (c *D2APIClient) GetMetadataByIDs(ctx context.Context, ids []string, fields string) (MetadataPackage, error) {
	ids = uniqStrings(ids)
	if len(ids) == 0 {
		return MetadataPackage{}, nil
	}
	if fields == "" {
		fields = ":all"
	}

	var batches [][]string
	for i := 0; i < len(ids); i += metadataBatchSize {
		end := i + metadataBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}

	responses := make([]string, len(batches))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(metadataBatchWorkers)
	for i, batch := range batches {
		i, batch := i, batch
		group.Go(func() error {
			var body string
			var errBody apiError
			var statusCode int
			err := c.api().
				Path("/api/metadata").
				Param("fields", fields).
				Param("filter", "id:in:["+strings.Join(batch, ",")+"]").
				Param("defaults", "EXCLUDE").
				Param("paging", "false").
				ToString(&body).
				AddValidator(captureStatus(&statusCode)).
				ErrorJSON(&errBody).
				Fetch(groupCtx)
			if err := fetchError(err, errBody, statusCode); err != nil {
				return fmt.Errorf("failed to fetch metadata batch %w", err)
			}
			responses[i] = body
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := MetadataPackage{}
	for _, body := range responses {
		for typ, objects := range ParseMetadataPackage(body) {
			merged[typ] = append(merged[typ], objects...)
		}
	}
	return merged, nil
}

// PostMetadata imports a metadata payload with the given import parameters.
func (c *D2APIClient) PostMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary {
	params = params.withDefaults()
	return c.postImport(ctx, c.api().
		Path("/api/metadata").
		Param("importMode", params.ImportMode).
		Param("identifier", params.Identifier).
		Param("importReportMode", params.ImportReportMode).
		Param("importStrategy", params.ImportStrategy).
		Param("mergeMode", params.MergeMode).
		Param("atomicMode", params.AtomicMode).
		BodyBytes(payload).
		ContentType("application/json").
		Post())
}

// DeleteMetadata propagates removal of the objects in payload by importing
// it with the DELETE strategy.
func (c *D2APIClient) DeleteMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary {
	params = params.withDefaults()
	params.ImportStrategy = "DELETE"
	return c.PostMetadata(ctx, payload, params)
}

func (c *D2APIClient) postImport(ctx context.Context, builder *requests.Builder) ImportSummary {
	var summary ImportSummary
	var errBody importErrorBody
	var statusCode int
	err := builder.
		ToJSON(&summary).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err != nil {
		return c.buildResponseError(err, errBody, statusCode)
	}
	return summary
}

// GetDataValueSets queries aggregated data values scoped to data sets and
// data element groups. Returns nothing when both scopes are empty, so a sync
// with no aggregated selection never pulls the whole instance.
func (c *D2APIClient) GetDataValueSets(ctx context.Context, params DataParams, dataSetIDs, dataElementGroupIDs []string) ([]DataValue, error) {
	dataSetIDs = uniqStrings(dataSetIDs)
	dataElementGroupIDs = uniqStrings(dataElementGroupIDs)
	if len(dataSetIDs) == 0 && len(dataElementGroupIDs) == 0 {
		return nil, nil
	}

	builder := c.api().Path("/api/dataValueSets.json").Param("children", "true")
	if len(dataSetIDs) > 0 {
		builder = builder.Param("dataSet", dataSetIDs...)
	}
	if len(dataElementGroupIDs) > 0 {
		builder = builder.Param("dataElementGroup", dataElementGroupIDs...)
	}
	builder = applyPeriod(builder, params)
	if len(params.OrgUnitPaths) > 0 {
		builder = builder.Param("orgUnit", cleanOrgUnitPaths(params.OrgUnitPaths)...)
	}

	var response struct {
		DataValues []DataValue `json:"dataValues"`
	}
	var errBody apiError
	var statusCode int
	err := builder.
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch data value sets %w", err)
	}
	return response.DataValues, nil
}

// GetAnalytics runs one analytics query across the given dimension ids and
// converts the row set into data values.
func (c *D2APIClient) GetAnalytics(ctx context.Context, request AnalyticsRequest) ([]DataValue, error) {
	dimensionIDs := uniqStrings(request.DimensionIDs)
	if len(dimensionIDs) == 0 {
		return nil, nil
	}

	builder := c.api().
		Path("/api/analytics.json").
		Param("dimension", "dx:"+strings.Join(dimensionIDs, ";"))
	if request.Params.Period != "" {
		builder = builder.Param("dimension", "pe:"+request.Params.Period)
	} else {
		builder = builder.Param("startDate", request.Params.StartDate).
			Param("endDate", request.Params.EndDate)
	}
	orgUnits := cleanOrgUnitPaths(request.Params.OrgUnitPaths)
	if len(orgUnits) == 0 {
		orgUnits = []string{"USER_ORGUNIT"}
	}
	builder = builder.Param("dimension", "ou:"+strings.Join(orgUnits, ";"))
	if request.IncludeCategories {
		builder = builder.Param("dimension", "co")
	}
	for _, filter := range request.Filters {
		builder = builder.Param("filter", filter)
	}

	var response struct {
		Headers []struct {
			Name string `json:"name"`
		} `json:"headers"`
		Rows [][]interface{} `json:"rows"`
	}
	var errBody apiError
	var statusCode int
	err := builder.
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch analytics %w", err)
	}

	index := make(map[string]int, len(response.Headers))
	for i, header := range response.Headers {
		index[header.Name] = i
	}
	// Analytics rows are heterogeneous arrays; cells may arrive as strings
	// or numbers depending on server version.
	cell := func(row []interface{}, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return cast.ToString(row[i])
	}

	dataValues := make([]DataValue, 0, len(response.Rows))
	for _, row := range response.Rows {
		dataValues = append(dataValues, DataValue{
			DataElement:         cell(row, "dx"),
			CategoryOptionCombo: cell(row, "co"),
			OrgUnit:             cell(row, "ou"),
			Period:              cell(row, "pe"),
			Value:               cell(row, "value"),
		})
	}
	return dataValues, nil
}

// PostDataValueSets imports an aggregated payload.
func (c *D2APIClient) PostDataValueSets(ctx context.Context, payload []byte) ImportSummary {
	var response struct {
		Status      string `json:"status"`
		Description string `json:"description"`
		ImportCount struct {
			Imported int `json:"imported"`
			Updated  int `json:"updated"`
			Ignored  int `json:"ignored"`
			Deleted  int `json:"deleted"`
		} `json:"importCount"`
	}
	var errBody importErrorBody
	var statusCode int
	err := c.api().
		Path("/api/dataValueSets.json").
		BodyBytes(payload).
		ContentType("application/json").
		Post().
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err != nil {
		return c.buildResponseError(err, errBody, statusCode)
	}
	counts := response.ImportCount
	return ImportSummary{
		Status:  response.Status,
		Message: response.Description,
		Stats: ImportStats{
			Created: counts.Imported,
			Updated: counts.Updated,
			Deleted: counts.Deleted,
			Ignored: counts.Ignored,
			Total:   counts.Imported + counts.Updated + counts.Deleted + counts.Ignored,
		},
	}
}

// GetEvents fetches the events of the given program stages. Stages are
// queried one by one since the events endpoint filters by a single stage.
func (c *D2APIClient) GetEvents(ctx context.Context, params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
	var events []ProgramEvent
	for _, stageID := range uniqStrings(programStageIDs) {
		builder := c.api().
			Path("/api/events.json").
			Param("programStage", stageID).
			Param("fields", ":all").
			Param("skipPaging", "true")
		builder = applyPeriod(builder, params)
		if len(params.OrgUnitPaths) > 0 {
			builder = builder.Param("orgUnit", cleanOrgUnitPaths(params.OrgUnitPaths)...)
		}

		var response struct {
			Events []ProgramEvent `json:"events"`
		}
		var errBody apiError
		var statusCode int
		err := builder.
			ToJSON(&response).
			AddValidator(captureStatus(&statusCode)).
			ErrorJSON(&errBody).
			Fetch(ctx)
		if err := fetchError(err, errBody, statusCode); err != nil {
			return nil, fmt.Errorf("failed to fetch events for stage %s %w", stageID, err)
		}
		events = append(events, response.Events...)
	}
	return events, nil
}

// PostEvents imports an events payload.
func (c *D2APIClient) PostEvents(ctx context.Context, payload []byte) ImportSummary {
	return c.postImport(ctx, c.api().
		Path("/api/events").
		BodyBytes(payload).
		ContentType("application/json").
		Post())
}

// GetTEIsByID fetches tracked entity instances by id.
func (c *D2APIClient) GetTEIsByID(ctx context.Context, ids []string) ([]TrackedEntityInstance, error) {
	ids = uniqStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var response struct {
		TrackedEntityInstances []TrackedEntityInstance `json:"trackedEntityInstances"`
	}
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/trackedEntityInstances.json").
		Param("trackedEntityInstance", strings.Join(ids, ";")).
		Param("fields", ":all").
		Param("skipPaging", "true").
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch tracked entity instances %w", err)
	}
	return response.TrackedEntityInstances, nil
}

// PostTEIs imports a tracked entity instances payload.
func (c *D2APIClient) PostTEIs(ctx context.Context, payload []byte) ImportSummary {
	return c.postImport(ctx, c.api().
		Path("/api/trackedEntityInstances").
		BodyBytes(payload).
		ContentType("application/json").
		Post())
}

// GetCategoryOptionCombos fetches all category option combos with their
// constituent options, used for composite combo resolution.
func (c *D2APIClient) GetCategoryOptionCombos(ctx context.Context) ([]CategoryOptionCombo, error) {
	var response struct {
		CategoryOptionCombos []CategoryOptionCombo `json:"categoryOptionCombos"`
	}
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/categoryOptionCombos.json").
		Param("fields", "id,name,categoryCombo[id],categoryOptions[id]").
		Param("paging", "false").
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch category option combos %w", err)
	}
	return response.CategoryOptionCombos, nil
}

// GetDefaultIDs fetches the ids of the instance's default metadata objects
// (default category, category option, combo and option combo).
func (c *D2APIClient) GetDefaultIDs(ctx context.Context) ([]string, error) {
	var body string
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/metadata").
		Param("filter", "identifiable:eq:default").
		Param("fields", "id").
		ToString(&body).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch default ids %w", err)
	}
	return ParseMetadataPackage(body).IDs(), nil
}

// GetVersion queries the live version of the instance.
func (c *D2APIClient) GetVersion(ctx context.Context) (string, error) {
	var response struct {
		Version string `json:"version"`
	}
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/system/info.json").
		Param("fields", "version").
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return "", fmt.Errorf("failed to fetch system info %w", err)
	}
	return response.Version, nil
}

// GetUser fetches the authenticated user.
func (c *D2APIClient) GetUser(ctx context.Context) (User, error) {
	var response struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		UserCredentials struct {
			Username string `json:"username"`
		} `json:"userCredentials"`
	}
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/me.json").
		Param("fields", "id,name,userCredentials[username]").
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return User{}, fmt.Errorf("failed to fetch current user %w", err)
	}
	return User{ID: response.ID, Name: response.Name, Username: response.UserCredentials.Username}, nil
}

// GetOrgUnitRoots fetches the root organisation units.
func (c *D2APIClient) GetOrgUnitRoots(ctx context.Context) ([]OrgUnit, error) {
	var response struct {
		OrganisationUnits []OrgUnit `json:"organisationUnits"`
	}
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/organisationUnits.json").
		Param("filter", "level:eq:1").
		Param("fields", "id,name,displayName,path").
		Param("paging", "false").
		ToJSON(&response).
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return nil, fmt.Errorf("failed to fetch org unit roots %w", err)
	}
	return response.OrganisationUnits, nil
}

// SendMessage sends a message to users of the instance.
func (c *D2APIClient) SendMessage(ctx context.Context, message InstanceMessage) error {
	var errBody apiError
	var statusCode int
	err := c.api().
		Path("/api/messageConversations").
		BodyJSON(&message).
		Post().
		AddValidator(captureStatus(&statusCode)).
		ErrorJSON(&errBody).
		Fetch(ctx)
	if err := fetchError(err, errBody, statusCode); err != nil {
		return fmt.Errorf("failed to send message %w", err)
	}
	return nil
}

// applyPeriod adds the period or date-range filter of a sync run to a query.
func applyPeriod(builder *requests.Builder, params DataParams) *requests.Builder {
	if params.Period != "" {
		return builder.Param("period", params.Period)
	}
	if params.StartDate != "" {
		builder = builder.Param("startDate", params.StartDate)
	}
	if params.EndDate != "" {
		builder = builder.Param("endDate", params.EndDate)
	}
	return builder
}

// cleanOrgUnitPaths reduces org unit paths to bare ids.
func cleanOrgUnitPaths(paths []string) []string {
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if id := CleanOrgUnitPath(path); id != "" {
			result = append(result, id)
		}
	}
	return result
}

// uniqStrings removes duplicates and empty values, preserving first-seen
// order.
func uniqStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	var result []string
	for _, value := range values {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		result = append(result, value)
	}
	return result
}
