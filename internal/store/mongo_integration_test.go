//go:build mongo_integration

package store

import (
	"context"
	"os"
	"testing"
)

func TestMongoContract(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set; skipping integration test")
	}
	m, err := NewMongo(context.Background(), uri, "roadside_test")
	if err != nil {
		t.Fatalf("NewMongo: %v", err)
	}
	defer m.Close()
	if err := m.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	runContract(t, m)
}
