package storage

import (
	"path/filepath"
	"testing"
)

func TestNewStoreKinds(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"", "memory", "sqlite", "badger"} {
		store, err := NewStore(kind, filepath.Join(dir, "store-"+kind))
		if err != nil {
			t.Fatalf("new %q store: %v", kind, err)
		}
		if store == nil {
			t.Fatalf("expected non-nil %q store", kind)
		}
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}
