package sync

import (
	"fmt"
	"io"

	"go.uber.org/config"
)

// SynchronizationBuilder is the immutable configuration for one sync run.
// It is created by the caller and consumed read-only by the payload builders
// and the synchronizer.
type SynchronizationBuilder struct {
	OriginInstance  string               `json:"originInstance" yaml:"originInstance"`
	TargetInstances []string             `json:"targetInstances" yaml:"targetInstances"`
	MetadataIDs     []string             `json:"metadataIds" yaml:"metadataIds"`
	ExcludedIDs     []string             `json:"excludedIds" yaml:"excludedIds"`
	SyncRule        string               `json:"syncRule,omitempty" yaml:"syncRule"`
	SyncParams      MetadataImportParams `json:"syncParams,omitempty" yaml:"syncParams"`
	DataParams      DataParams           `json:"dataParams,omitempty" yaml:"dataParams"`
}

// DataParams are the optional data-filter parameters of a sync run.
type DataParams struct {
	StartDate    string   `json:"startDate,omitempty" yaml:"startDate"`
	EndDate      string   `json:"endDate,omitempty" yaml:"endDate"`
	Period       string   `json:"period,omitempty" yaml:"period"`
	OrgUnitPaths []string `json:"orgUnitPaths,omitempty" yaml:"orgUnitPaths"`

	// EnableAggregation switches the aggregated builder to analytics mode and
	// turns on the indicator phase of the events builder.
	EnableAggregation bool `json:"enableAggregation,omitempty" yaml:"enableAggregation"`

	// GenerateNewUID regenerates event identifiers before posting to avoid
	// id collisions on import.
	GenerateNewUID bool `json:"generateNewUid,omitempty" yaml:"generateNewUid"`

	// TEIs lists the tracked entity instances to include in an events sync.
	TEIs                    []string `json:"teis,omitempty" yaml:"teis"`
	ExcludeTEIRelationships bool     `json:"excludeTeiRelationships,omitempty" yaml:"excludeTeiRelationships"`

	// IgnoreDuplicateExistingValues diffs indicator values against the
	// target's existing values so unchanged values are not re-posted.
	IgnoreDuplicateExistingValues bool `json:"ignoreDuplicateExistingValues,omitempty" yaml:"ignoreDuplicateExistingValues"`
}

// MetadataImportParams are the import parameters of the /api/metadata
// endpoint. Zero-valued fields fall back to the server defaults set by
// withDefaults: commit everything, merge, all-or-nothing.
type MetadataImportParams struct {
	ImportMode       string `json:"importMode,omitempty" yaml:"importMode"`
	Identifier       string `json:"identifier,omitempty" yaml:"identifier"`
	ImportReportMode string `json:"importReportMode,omitempty" yaml:"importReportMode"`
	ImportStrategy   string `json:"importStrategy,omitempty" yaml:"importStrategy"`
	MergeMode        string `json:"mergeMode,omitempty" yaml:"mergeMode"`
	AtomicMode       string `json:"atomicMode,omitempty" yaml:"atomicMode"`
}

func (p MetadataImportParams) withDefaults() MetadataImportParams {
	if p.ImportMode == "" {
		p.ImportMode = "COMMIT"
	}
	if p.Identifier == "" {
		p.Identifier = "UID"
	}
	if p.ImportReportMode == "" {
		p.ImportReportMode = "FULL"
	}
	if p.ImportStrategy == "" {
		p.ImportStrategy = "CREATE_AND_UPDATE"
	}
	if p.MergeMode == "" {
		p.MergeMode = "MERGE"
	}
	if p.AtomicMode == "" {
		p.AtomicMode = "ALL"
	}
	return p
}

// AppConfig is the application-level configuration: the instance the user is
// logged into, the credential encryption key and the dataStore namespace used
// for persistence.
type AppConfig struct {
	LocalInstance    Instance
	Encryption       EncryptionConfig
	StorageNamespace string
}

// DefaultStorageNamespace is the dataStore namespace used when the config
// does not override it.
const DefaultStorageNamespace = "metadata-synchronization"

// LoadAppConfig reads the application config from one or more YAML sources.
// Later sources override earlier ones.
func LoadAppConfig(sources ...io.Reader) (AppConfig, error) {
	var result AppConfig

	var options []config.YAMLOption
	for _, s := range sources {
		options = append(options, config.Source(s))
	}
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config %w", err)
	}

	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config %w", key, cause)
	}

	key := "localInstance"
	if err := yaml.Get(key).Populate(&result.LocalInstance); err != nil {
		return result, readError(key, err)
	}
	key = "encryptionKey"
	result.Encryption.Key = yaml.Get(key).String()
	key = "storageNamespace"
	if yaml.Get(key).HasValue() {
		if err := yaml.Get(key).Populate(&result.StorageNamespace); err != nil {
			return result, readError(key, err)
		}
	}
	if result.StorageNamespace == "" {
		result.StorageNamespace = DefaultStorageNamespace
	}
	if result.LocalInstance.ID == "" {
		result.LocalInstance.ID = LocalInstanceID
	}

	return result, nil
}
