package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"roadside/internal/model"
)

// Memory is an in-process store used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	requests   map[string]model.ServiceRequest
	order      []string // request ids in creation order
	mechanics  map[string]model.Mechanic
	deliveries map[string]*Delivery
	delivOrder []string
	tokens     map[string]string
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		requests:   map[string]model.ServiceRequest{},
		mechanics:  map[string]model.Mechanic{},
		deliveries: map[string]*Delivery{},
		tokens:     map[string]string{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) CreateRequest(ctx context.Context, req model.ServiceRequest) (model.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	req.UpdatedAt = req.CreatedAt
	m.requests[req.ID] = cloneRequest(req)
	m.order = append(m.order, req.ID)
	return cloneRequest(req), nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (model.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return model.ServiceRequest{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *Memory) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.ServiceRequest, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if f.Cursor != "" {
		for i, id := range m.order {
			if id == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []model.ServiceRequest{}
	var next string
	for i := start; i < len(m.order) && len(out) < limit; i++ {
		r := m.requests[m.order[i]]
		if f.CustomerID != "" && r.CustomerID != f.CustomerID {
			continue
		}
		if f.MechanicID != "" && !r.AssignedTo(f.MechanicID) && !r.WasNotified(f.MechanicID) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, cloneRequest(r))
		next = r.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) UpdateRequest(ctx context.Context, id string, cond Condition, ch Change) (model.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return model.ServiceRequest{}, ErrNotFound
	}
	if !cond.matches(r) {
		return model.ServiceRequest{}, ErrConflict
	}
	r = cloneRequest(r)
	ch.apply(&r, m.now())
	m.requests[id] = r
	return cloneRequest(r), nil
}

func (m *Memory) SetNotified(ctx context.Context, id string, mechanicIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r = cloneRequest(r)
	r.NotifiedMechanics = append([]string(nil), mechanicIDs...)
	m.requests[id] = r
	return nil
}

func (m *Memory) AddNote(ctx context.Context, id string, note model.Note) (model.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return model.ServiceRequest{}, ErrNotFound
	}
	r = cloneRequest(r)
	r.Notes = append(r.Notes, note)
	r.UpdatedAt = m.now()
	m.requests[id] = r
	return cloneRequest(r), nil
}

func (m *Memory) UpsertMechanic(ctx context.Context, mech model.Mechanic) (model.Mechanic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mech.ID == "" {
		mech.ID = uuid.New().String()
	}
	mech.UpdatedAt = m.now()
	mech.Location = cloneLocation(mech.Location)
	m.mechanics[mech.ID] = mech
	return mech, nil
}

func (m *Memory) GetMechanic(ctx context.Context, id string) (model.Mechanic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return model.Mechanic{}, ErrNotFound
	}
	mech.Location = cloneLocation(mech.Location)
	return mech, nil
}

func (m *Memory) UpdateMechanicLocation(ctx context.Context, id string, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return ErrNotFound
	}
	mech.Location = &loc
	mech.UpdatedAt = m.now()
	m.mechanics[id] = mech
	return nil
}

func (m *Memory) SetMechanicAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return ErrNotFound
	}
	mech.IsAvailable = available
	mech.UpdatedAt = m.now()
	m.mechanics[id] = mech
	return nil
}

// MechanicsNear returns every eligible mechanic; the caller applies the radius.
func (m *Memory) MechanicsNear(ctx context.Context, lat, lng, radiusKm float64) ([]model.Mechanic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Mechanic{}
	for _, mech := range m.mechanics {
		if !mech.Eligible() {
			continue
		}
		mech.Location = cloneLocation(mech.Location)
		out = append(out, mech)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) EnqueueDelivery(ctx context.Context, d Delivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := m.now()
	d.Status = DeliveryPending
	d.CreatedAt = now
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.Payload = append([]byte(nil), d.Payload...)
	m.deliveries[d.ID] = &d
	m.delivOrder = append(m.delivOrder, d.ID)
	return d.ID, nil
}

func (m *Memory) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := m.now()
	out := []Delivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if d.Status != DeliveryPending || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *d)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	if success {
		now := m.now()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
		d.LastError = ""
		return nil
	}
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailDelivery(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.delivOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []Delivery{}
	var next string
	for i := start; i < len(m.delivOrder) && len(out) < limit; i++ {
		d := m.deliveries[m.delivOrder[i]]
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, *d)
		next = d.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) SetPushToken(ctx context.Context, target, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[target] = token
	return nil
}

func (m *Memory) PushToken(ctx context.Context, target string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[target]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

func cloneRequest(r model.ServiceRequest) model.ServiceRequest {
	c := r
	if r.MechanicID != nil {
		id := *r.MechanicID
		c.MechanicID = &id
	}
	if r.Quotation != nil {
		q := *r.Quotation
		c.Quotation = &q
	}
	if r.EstimatedDuration != nil {
		d := *r.EstimatedDuration
		c.EstimatedDuration = &d
	}
	if r.FinalAmount != nil {
		a := *r.FinalAmount
		c.FinalAmount = &a
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		c.CancelledAt = &t
	}
	c.Images = append([]string(nil), r.Images...)
	c.StatusHistory = append([]model.StatusEntry(nil), r.StatusHistory...)
	c.Notes = append([]model.Note(nil), r.Notes...)
	c.NotifiedMechanics = append([]string(nil), r.NotifiedMechanics...)
	return c
}

func cloneLocation(l *model.Location) *model.Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
