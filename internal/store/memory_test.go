package store

import (
	"context"
	"testing"
	"time"

	"roadside/internal/model"
)

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestMemoryReadsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, err := m.CreateRequest(ctx, newRequestFixture())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r.StatusHistory[0].Note = "mutated"
	got, _ := m.GetRequest(ctx, r.ID)
	if got.StatusHistory[0].Note == "mutated" {
		t.Fatalf("stored history aliased caller slice")
	}
}

func TestMemoryDeliveryBackoff(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.EnqueueDelivery(ctx, Delivery{Kind: "k", Target: "user:1", Sink: "log", Payload: []byte(`{}`)})
	later := time.Now().Add(time.Hour)
	if err := m.MarkDelivery(ctx, id, false, &later, "boom"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	due, _ := m.FetchDueDeliveries(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %d", len(due))
	}
	if err := m.FailDelivery(ctx, id, "gave up"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	items, _, _ := m.ListDeliveries(ctx, DeliveryFailed, "", 10)
	if len(items) != 1 || items[0].Attempts != 2 || items[0].LastError != "gave up" {
		t.Fatalf("unexpected failed deliveries: %+v", items)
	}
}

func newRequestFixture() model.ServiceRequest {
	now := time.Now().UTC()
	return model.ServiceRequest{
		CustomerID:        "c1",
		IssueType:         model.IssueFlatTire,
		Location:          model.Location{Lat: 1, Lng: 2},
		BroadcastRadiusKm: 5,
		Priority:          model.PriorityLow,
		Status:            model.StatusPending,
		StatusHistory:     []model.StatusEntry{{Status: model.StatusPending, ActorID: "c1", Timestamp: now}},
	}
}
