package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/sirupsen/logrus"
)

// SyncContext holds the shared dependencies of one sync run: the run
// configuration, the instance the user is logged into, the credential
// encryption config and the persistence store. It is immutable after
// construction.
type SyncContext struct {
	Builder       SynchronizationBuilder
	LocalInstance Instance
	Encryption    EncryptionConfig
	Storage       ObjectStore
	Logger        *logrus.Logger

	// API builds the client for an instance. Overridable so tests can point
	// builders at stand-in servers or fakes.
	API func(Instance) InstanceAPI
}

// NewSyncContext builds a context with the default API client factory and a
// default logger.
func NewSyncContext(builder SynchronizationBuilder, localInstance Instance, encryption EncryptionConfig, storage ObjectStore) *SyncContext {
	logger := logrus.New()
	return &SyncContext{
		Builder:       builder,
		LocalInstance: localInstance,
		Encryption:    encryption,
		Storage:       storage,
		Logger:        logger,
		API: func(instance Instance) InstanceAPI {
			return NewD2APIClient(instance, logger)
		},
	}
}

// PayloadBuilder is the common capability interface of the payload builder
// variants (aggregated, events, metadata, deleted metadata). Builders are
// pure request/response pipelines: they carry no state across calls beyond
// the memoized payload.
type PayloadBuilder interface {
	Type() SynchronizationType
	// BuildPayload extracts metadata and data from the origin instance and
	// assembles the type-specific payload. The result is memoized: repeated
	// calls do not re-issue the extraction queries.
	BuildPayload(ctx context.Context) (SyncPayload, error)
	// MapPayload remaps the payload's identifiers and values for the target
	// instance through its mapping dictionary.
	MapPayload(ctx context.Context, target Instance, payload SyncPayload) (SyncPayload, error)
	// PostPayload builds, maps, version-transforms and posts the payload to
	// the target, returning one result per posting phase.
	PostPayload(ctx context.Context, target Instance) ([]SynchronizationResult, error)
	// BuildDataStats summarises the data carried by the payload for the
	// report. Metadata builders return nil.
	BuildDataStats(ctx context.Context) ([]DataStats, error)
}

// NewPayloadBuilder returns the payload builder for a synchronization type.
func NewPayloadBuilder(syncType SynchronizationType, context *SyncContext) (PayloadBuilder, error) {
	switch syncType {
	case SyncTypeAggregated:
		return NewAggregatedSync(context), nil
	case SyncTypeEvents:
		return NewEventsSync(context), nil
	case SyncTypeMetadata:
		return NewMetadataSync(context), nil
	case SyncTypeDeleted:
		return NewDeletedMetadataSync(context), nil
	default:
		return nil, fmt.Errorf("unsupported synchronization type: %s", syncType)
	}
}

// genericSync carries the dependencies and memoized lookups shared by all
// payload builders.
type genericSync struct {
	context *SyncContext
	fields  string

	originOnce gosync.Once
	origin     Instance
	originErr  error

	metadataOnce gosync.Once
	metadata     MetadataPackage
	metadataErr  error
}

func newGenericSync(context *SyncContext, fields string) genericSync {
	return genericSync{context: context, fields: fields}
}

// originInstance resolves the origin instance of the run, memoized. A run
// never starts against an unresolvable origin.
func (g *genericSync) originInstance(ctx context.Context) (Instance, error) {
	g.originOnce.Do(func() {
		g.origin, g.originErr = getInstanceByID(ctx, g.context, g.context.Builder.OriginInstance)
	})
	return g.origin, g.originErr
}

// extractMetadata fetches the metadata selected by the run from the origin
// instance with the builder's field projection, memoized so repeated payload
// builds do not re-issue the extraction.
func (g *genericSync) extractMetadata(ctx context.Context) (MetadataPackage, error) {
	g.metadataOnce.Do(func() {
		origin, err := g.originInstance(ctx)
		if err != nil {
			g.metadataErr = err
			return
		}
		ids := cleanMetadataIDs(g.context.Builder.MetadataIDs)
		g.metadata, g.metadataErr = g.context.API(origin).GetMetadataByIDs(ctx, ids, g.fields)
	})
	return g.metadata, g.metadataErr
}

// cleanMetadataIDs strips selection prefixes ("type-id") down to bare ids.
func cleanMetadataIDs(ids []string) []string {
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		parts := strings.Split(id, "-")
		result = append(result, parts[len(parts)-1])
	}
	return result
}

// getInstanceByID resolves an instance id to a full instance record: the
// distinguished LOCAL id resolves to the caller's instance, anything else is
// loaded from storage, decrypted and refreshed with its live version.
func getInstanceByID(ctx context.Context, syncContext *SyncContext, id string) (Instance, error) {
	if id == LocalInstanceID || id == "" {
		return syncContext.LocalInstance, nil
	}

	stored, found, err := GetObjectInCollection[Instance](ctx, syncContext.Storage, NamespaceInstances, id)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to load instance '%s' %w", id, err)
	}
	if !found {
		return Instance{}, fmt.Errorf("instance not found: %s", id)
	}

	instance, err := stored.DecryptPassword(syncContext.Encryption)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to decrypt credentials of instance '%s' %w", id, err)
	}

	version, err := syncContext.API(instance).GetVersion(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to query version of instance '%s' %w", id, err)
	}
	return instance.Update(version), nil
}

// mappingScopes builds the ordered resolution scopes for an entry: the
// object-scoped inner mapping first, the instance's global dictionary last.
func mappingScopes(inner MetadataMappingDictionary, global MetadataMappingDictionary) []MetadataMappingDictionary {
	scopes := make([]MetadataMappingDictionary, 0, 2)
	if inner != nil {
		scopes = append(scopes, inner)
	}
	return append(scopes, global)
}
