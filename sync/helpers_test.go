package sync

import (
	"context"
	"encoding/json"
	"io"
)

// fakeAPI is a function-backed InstanceAPI. Unset functions return zero
// values so each test wires only the calls it exercises.
type fakeAPI struct {
	metadata          func(ids []string, fields string) (MetadataPackage, error)
	postMetadata      func(payload []byte, params MetadataImportParams) ImportSummary
	deleteMetadata    func(payload []byte, params MetadataImportParams) ImportSummary
	dataValueSets     func(params DataParams, dataSetIDs, dataElementGroupIDs []string) ([]DataValue, error)
	analytics         func(request AnalyticsRequest) ([]DataValue, error)
	postDataValueSets func(payload []byte) ImportSummary
	events            func(params DataParams, programStageIDs []string) ([]ProgramEvent, error)
	postEvents        func(payload []byte) ImportSummary
	teis              func(ids []string) ([]TrackedEntityInstance, error)
	postTEIs          func(payload []byte) ImportSummary

	combos   []CategoryOptionCombo
	defaults []string
	version  string
	user     User
}

func (f *fakeAPI) GetMetadataByIDs(ctx context.Context, ids []string, fields string) (MetadataPackage, error) {
	if f.metadata == nil {
		return MetadataPackage{}, nil
	}
	return f.metadata(ids, fields)
}

func (f *fakeAPI) PostMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary {
	if f.postMetadata == nil {
		return ImportSummary{Status: "OK"}
	}
	return f.postMetadata(payload, params)
}

func (f *fakeAPI) DeleteMetadata(ctx context.Context, payload []byte, params MetadataImportParams) ImportSummary {
	if f.deleteMetadata == nil {
		return ImportSummary{Status: "OK"}
	}
	return f.deleteMetadata(payload, params)
}

func (f *fakeAPI) GetCategoryOptionCombos(ctx context.Context) ([]CategoryOptionCombo, error) {
	return f.combos, nil
}

func (f *fakeAPI) GetDefaultIDs(ctx context.Context) ([]string, error) {
	return f.defaults, nil
}

func (f *fakeAPI) GetDataValueSets(ctx context.Context, params DataParams, dataSetIDs, dataElementGroupIDs []string) ([]DataValue, error) {
	if f.dataValueSets == nil {
		return nil, nil
	}
	return f.dataValueSets(params, dataSetIDs, dataElementGroupIDs)
}

func (f *fakeAPI) GetAnalytics(ctx context.Context, request AnalyticsRequest) ([]DataValue, error) {
	if f.analytics == nil {
		return nil, nil
	}
	return f.analytics(request)
}

func (f *fakeAPI) PostDataValueSets(ctx context.Context, payload []byte) ImportSummary {
	if f.postDataValueSets == nil {
		return ImportSummary{Status: "SUCCESS"}
	}
	return f.postDataValueSets(payload)
}

func (f *fakeAPI) GetEvents(ctx context.Context, params DataParams, programStageIDs []string) ([]ProgramEvent, error) {
	if f.events == nil {
		return nil, nil
	}
	return f.events(params, programStageIDs)
}

func (f *fakeAPI) PostEvents(ctx context.Context, payload []byte) ImportSummary {
	if f.postEvents == nil {
		return ImportSummary{Status: "OK"}
	}
	return f.postEvents(payload)
}

func (f *fakeAPI) GetTEIsByID(ctx context.Context, ids []string) ([]TrackedEntityInstance, error) {
	if f.teis == nil {
		return nil, nil
	}
	return f.teis(ids)
}

func (f *fakeAPI) PostTEIs(ctx context.Context, payload []byte) ImportSummary {
	if f.postTEIs == nil {
		return ImportSummary{Status: "OK"}
	}
	return f.postTEIs(payload)
}

func (f *fakeAPI) GetVersion(ctx context.Context) (string, error) {
	if f.version == "" {
		return "2.36.1", nil
	}
	return f.version, nil
}

func (f *fakeAPI) GetUser(ctx context.Context) (User, error) {
	return f.user, nil
}

func (f *fakeAPI) GetOrgUnitRoots(ctx context.Context) ([]OrgUnit, error) {
	return nil, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, message InstanceMessage) error {
	return nil
}

// memStore is an in-memory ObjectStore.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	raw, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (s *memStore) SaveObject(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.data[key] = raw
	return nil
}

func (s *memStore) RemoveObject(ctx context.Context, key string) error {
	delete(s.data, key)
	return nil
}

// newTestContext builds a SyncContext running against a single fake API with
// a quiet logger.
func newTestContext(builder SynchronizationBuilder, api InstanceAPI) *SyncContext {
	local := Instance{
		ID:      LocalInstanceID,
		Name:    "local",
		URL:     "http://origin.example",
		Version: "2.36.1",
	}
	syncContext := NewSyncContext(builder, local, EncryptionConfig{}, newMemStore())
	syncContext.Logger.SetOutput(io.Discard)
	syncContext.API = func(Instance) InstanceAPI { return api }
	return syncContext
}

func metadataFixture(document string) MetadataPackage {
	return ParseMetadataPackage(document)
}
