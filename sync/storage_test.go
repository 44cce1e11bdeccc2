package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCollectionHelpers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	first := Instance{ID: "a", Name: "First"}
	second := Instance{ID: "b", Name: "Second"}
	if err := SaveObjectInCollection(ctx, store, NamespaceInstances, first); err != nil {
		t.Fatal(err)
	}
	if err := SaveObjectInCollection(ctx, store, NamespaceInstances, second); err != nil {
		t.Fatal(err)
	}

	all, err := ListObjectsInCollection[Instance](ctx, store, NamespaceInstances)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 instances but have: %d", len(all))
	}

	got, found, err := GetObjectInCollection[Instance](ctx, store, NamespaceInstances, "a")
	if err != nil || !found || got.Name != "First" {
		t.Errorf("Expected to find instance a but have: %+v (found=%t err=%v)", got, found, err)
	}

	// Saving the same id again replaces instead of duplicating.
	if err := SaveObjectInCollection(ctx, store, NamespaceInstances, Instance{ID: "a", Name: "Renamed"}); err != nil {
		t.Fatal(err)
	}
	all, _ = ListObjectsInCollection[Instance](ctx, store, NamespaceInstances)
	if len(all) != 2 {
		t.Errorf("Expected upsert not to duplicate but have: %d", len(all))
	}
	got, _, _ = GetObjectInCollection[Instance](ctx, store, NamespaceInstances, "a")
	if got.Name != "Renamed" {
		t.Errorf("Expected updated name but have: %s", got.Name)
	}

	if err := RemoveObjectInCollection[Instance](ctx, store, NamespaceInstances, "b"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := GetObjectInCollection[Instance](ctx, store, NamespaceInstances, "b"); found {
		t.Error("Expected instance b removed")
	}
}

func TestListObjectsInCollection_MissingKey(t *testing.T) {
	elements, err := ListObjectsInCollection[Instance](context.Background(), newMemStore(), "empty")
	if err != nil {
		t.Fatal(err)
	}
	if elements != nil {
		t.Errorf("Expected nil for a missing collection but have: %v", elements)
	}
}

func TestDataStoreClient_GetObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dataStore/metadata-synchronization/instances":
			fmt.Fprint(w, `[{"id":"a"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"httpStatusCode":404}`)
		}
	}))
	defer server.Close()

	client := NewDataStoreClient(Instance{URL: server.URL}, "")

	raw, err := client.GetObject(context.Background(), "instances")
	if err != nil {
		t.Fatal(err)
	}
	var instances []Instance
	if err := json.Unmarshal(raw, &instances); err != nil || len(instances) != 1 {
		t.Errorf("Expected one stored instance but have: %s (err=%v)", raw, err)
	}

	missing, err := client.GetObject(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Expected missing key to be nil without error but have: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil bytes for a missing key but have: %s", missing)
	}
}

func TestDataStoreClient_SaveObjectCreatesMissingKey(t *testing.T) {
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewDataStoreClient(Instance{URL: server.URL}, "custom")
	if err := client.SaveObject(context.Background(), "rules", []SyncRule{}); err != nil {
		t.Fatal(err)
	}

	if len(methods) != 2 || methods[0] != http.MethodPut || methods[1] != http.MethodPost {
		t.Errorf("Expected PUT then POST fallback but have: %v", methods)
	}
}

func TestDataStoreClient_RemoveMissingKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewDataStoreClient(Instance{URL: server.URL}, "")
	if err := client.RemoveObject(context.Background(), "missing"); err != nil {
		t.Errorf("Expected removing a missing key to succeed but have: %v", err)
	}
}
