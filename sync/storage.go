package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
)

// Identifiable is implemented by values stored in collections.
type Identifiable interface {
	Identifier() string
}

// ObjectStore is a generic key/value store for persisted sync data:
// instances, rules, notifications and packages. GetObject returns nil bytes
// when the key does not exist.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	SaveObject(ctx context.Context, key string, value interface{}) error
	RemoveObject(ctx context.Context, key string) error
}

// Storage namespace collection keys.
const (
	NamespaceInstances     = "instances"
	NamespaceRules         = "rules"
	NamespaceNotifications = "notifications"
	NamespacePackages      = "packages"
)

// ListObjectsInCollection reads all elements of a collection key.
func ListObjectsInCollection[T any](ctx context.Context, store ObjectStore, key string) ([]T, error) {
	raw, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var result []T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode collection '%s' %w", key, err)
	}
	return result, nil
}

// GetObjectInCollection reads one element of a collection by id. The second
// return value is false when the collection has no element with that id.
func GetObjectInCollection[T Identifiable](ctx context.Context, store ObjectStore, key, id string) (T, bool, error) {
	var zero T
	elements, err := ListObjectsInCollection[T](ctx, store, key)
	if err != nil {
		return zero, false, err
	}
	for _, element := range elements {
		if element.Identifier() == id {
			return element, true, nil
		}
	}
	return zero, false, nil
}

// SaveObjectInCollection upserts an element of a collection by id.
func SaveObjectInCollection[T Identifiable](ctx context.Context, store ObjectStore, key string, element T) error {
	elements, err := ListObjectsInCollection[T](ctx, store, key)
	if err != nil {
		return err
	}
	kept := make([]T, 0, len(elements)+1)
	for _, existing := range elements {
		if existing.Identifier() != element.Identifier() {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, element)
	return store.SaveObject(ctx, key, kept)
}

// RemoveObjectInCollection removes an element of a collection by id.
func RemoveObjectInCollection[T Identifiable](ctx context.Context, store ObjectStore, key, id string) error {
	elements, err := ListObjectsInCollection[T](ctx, store, key)
	if err != nil {
		return err
	}
	kept := make([]T, 0, len(elements))
	for _, existing := range elements {
		if existing.Identifier() != id {
			kept = append(kept, existing)
		}
	}
	return store.SaveObject(ctx, key, kept)
}

// DataStoreClient implements ObjectStore on top of the dataStore endpoint of
// an instance, keyed under a single namespace.
type DataStoreClient struct {
	instance  Instance
	namespace string
}

// NewDataStoreClient returns a store persisting into the given instance's
// dataStore namespace.
func NewDataStoreClient(instance Instance, namespace string) *DataStoreClient {
	if namespace == "" {
		namespace = DefaultStorageNamespace
	}
	return &DataStoreClient{instance: instance, namespace: namespace}
}

func (c *DataStoreClient) api() *requests.Builder {
	result := requests.
		URL(c.instance.URL).
		Client(&http.Client{Timeout: HTTPRequestTimeout})
	if c.instance.Username != "" {
		result = result.BasicAuth(c.instance.Username, c.instance.Password)
	}
	return result
}

func (c *DataStoreClient) keyPath(key string) string {
	return fmt.Sprintf("/api/dataStore/%s/%s", c.namespace, key)
}

// GetObject reads a key. Missing keys return nil bytes and no error.
func (c *DataStoreClient) GetObject(ctx context.Context, key string) ([]byte, error) {
	var body string
	var statusCode int
	err := c.api().
		Path(c.keyPath(key)).
		ToString(&body).
		AddValidator(captureStatus(&statusCode)).
		AddValidator(requests.DefaultValidator).
		Fetch(ctx)
	if err != nil {
		if errors.Is(err, requests.ErrValidator) && statusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dataStore key '%s' %w", key, err)
	}
	return []byte(body), nil
}

// SaveObject writes a key, creating it when it does not exist yet.
func (c *DataStoreClient) SaveObject(ctx context.Context, key string, value interface{}) error {
	var statusCode int
	err := c.api().
		Path(c.keyPath(key)).
		BodyJSON(value).
		Put().
		AddValidator(captureStatus(&statusCode)).
		AddValidator(requests.DefaultValidator).
		Fetch(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, requests.ErrValidator) || statusCode != http.StatusNotFound {
		return fmt.Errorf("failed to update dataStore key '%s' %w", key, err)
	}

	// The key does not exist yet; the dataStore requires POST to create it.
	err = c.api().
		Path(c.keyPath(key)).
		BodyJSON(value).
		Post().
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to create dataStore key '%s' %w", key, err)
	}
	return nil
}

// RemoveObject deletes a key. Removing a missing key is not an error.
func (c *DataStoreClient) RemoveObject(ctx context.Context, key string) error {
	var statusCode int
	err := c.api().
		Path(c.keyPath(key)).
		Delete().
		AddValidator(captureStatus(&statusCode)).
		AddValidator(requests.DefaultValidator).
		Fetch(ctx)
	if err != nil {
		if errors.Is(err, requests.ErrValidator) && statusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to remove dataStore key '%s' %w", key, err)
	}
	return nil
}
