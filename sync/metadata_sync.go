package sync

import (
	"context"
	"fmt"
)

// MetadataSync builds and posts metadata payloads. The payload is the
// extracted metadata package minus the excluded ids; mapping is the identity
// since metadata objects travel with their own identifiers.
type MetadataSync struct {
	genericSync
}

// NewMetadataSync returns the metadata payload builder for a run.
func NewMetadataSync(context *SyncContext) *MetadataSync {
	return &MetadataSync{genericSync: newGenericSync(context, ":all")}
}

func (s *MetadataSync) Type() SynchronizationType { return SyncTypeMetadata }

// BuildPayload extracts the selected metadata from the origin instance and
// filters the excluded ids.
func (s *MetadataSync) BuildPayload(ctx context.Context) (SyncPayload, error) {
	metadata, err := s.extractMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.Reject(s.context.Builder.ExcludedIDs), nil
}

// MapPayload is the identity for metadata payloads.
func (s *MetadataSync) MapPayload(ctx context.Context, target Instance, payload SyncPayload) (SyncPayload, error) {
	if _, ok := payload.(MetadataPackage); !ok {
		return nil, fmt.Errorf("metadata sync cannot map payload of type %T", payload)
	}
	return payload, nil
}

// PostPayload posts the metadata package to the target with the run's import
// parameters, applying the version transformations of the target.
func (s *MetadataSync) PostPayload(ctx context.Context, target Instance) ([]SynchronizationResult, error) {
	payload, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	pkg := payload.(MetadataPackage)
	if target.APIVersion() == 0 {
		return nil, fmt.Errorf("missing api version of target instance '%s' to apply transformations", target.Name)
	}

	versioned := MapPackageTo(target.APIVersion(), pkg.JSON(), metadataTransformations)
	s.context.Logger.Debugf("posting metadata package with %d objects to %s", pkg.ItemCount(), target.Name)

	summary := s.context.API(target).PostMetadata(ctx, versioned, s.context.Builder.SyncParams)
	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	result := newSyncResult(summary, SyncTypeMetadata, target.ToPublicObject(), origin.ToPublicObject(), pkg)
	return []SynchronizationResult{result}, nil
}

// BuildDataStats returns nothing: metadata payloads carry no data records.
func (s *MetadataSync) BuildDataStats(ctx context.Context) ([]DataStats, error) {
	return nil, nil
}

// DeletedMetadataSync propagates metadata removals. It carries no origin
// payload: the objects to delete are resolved against each target, so ids
// already absent there do not fail the import.
type DeletedMetadataSync struct {
	genericSync
}

// NewDeletedMetadataSync returns the deleted-metadata payload builder for a
// run.
func NewDeletedMetadataSync(context *SyncContext) *DeletedMetadataSync {
	return &DeletedMetadataSync{genericSync: newGenericSync(context, "id")}
}

func (s *DeletedMetadataSync) Type() SynchronizationType { return SyncTypeDeleted }

// BuildPayload returns an empty package: deletion payloads are built per
// target in PostPayload.
func (s *DeletedMetadataSync) BuildPayload(ctx context.Context) (SyncPayload, error) {
	return MetadataPackage{}, nil
}

// MapPayload is the identity for deletion payloads.
func (s *DeletedMetadataSync) MapPayload(ctx context.Context, target Instance, payload SyncPayload) (SyncPayload, error) {
	return payload, nil
}

// PostPayload resolves the selected ids against the target instance and
// imports the resulting id-only package with the delete strategy.
func (s *DeletedMetadataSync) PostPayload(ctx context.Context, target Instance) ([]SynchronizationResult, error) {
	targetAPI := s.context.API(target)
	ids := cleanMetadataIDs(s.context.Builder.MetadataIDs)
	pkg, err := targetAPI.GetMetadataByIDs(ctx, ids, "id")
	if err != nil {
		return nil, err
	}
	pkg = pkg.Reject(s.context.Builder.ExcludedIDs)

	s.context.Logger.Debugf("deleting %d metadata objects from %s", pkg.ItemCount(), target.Name)
	summary := targetAPI.DeleteMetadata(ctx, pkg.JSON(), s.context.Builder.SyncParams)

	origin, err := s.originInstance(ctx)
	if err != nil {
		return nil, err
	}
	result := newSyncResult(summary, SyncTypeDeleted, target.ToPublicObject(), origin.ToPublicObject(), pkg)
	return []SynchronizationResult{result}, nil
}

// BuildDataStats returns nothing: deletion payloads carry no data records.
func (s *DeletedMetadataSync) BuildDataStats(ctx context.Context) ([]DataStats, error) {
	return nil, nil
}
