package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"roadside/internal/model"
)

const earthRadiusKm = 6371.0

// Mongo implements Store on MongoDB. Conditional writes use FindOneAndUpdate
// with the expected status in the filter.
type Mongo struct {
	client     *mongo.Client
	requests   *mongo.Collection
	mechanics  *mongo.Collection
	deliveries *mongo.Collection
	tokens     *mongo.Collection
}

type geoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"`
}

type mechanicDoc struct {
	model.Mechanic `bson:",inline"`
	Point          *geoPoint `bson:"point,omitempty"`
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(database)
	return &Mongo{
		client:     client,
		requests:   db.Collection("service_requests"),
		mechanics:  db.Collection("mechanics"),
		deliveries: db.Collection("notification_deliveries"),
		tokens:     db.Collection("push_tokens"),
	}, nil
}

// EnsureIndexes creates the 2dsphere and lookup indexes.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	if _, err := m.mechanics.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "point", Value: "2dsphere"}}}); err != nil {
		return err
	}
	if _, err := m.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "mechanicId", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := m.deliveries.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}}})
	return err
}

func (m *Mongo) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) CreateRequest(ctx context.Context, req model.ServiceRequest) (model.ServiceRequest, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt
	req.StatusHistory = nonNilEntries(req.StatusHistory)
	req.Notes = nonNilNotes(req.Notes)
	req.NotifiedMechanics = nonNil(req.NotifiedMechanics)
	if _, err := m.requests.InsertOne(ctx, req); err != nil {
		return model.ServiceRequest{}, err
	}
	return req, nil
}

func (m *Mongo) GetRequest(ctx context.Context, id string) (model.ServiceRequest, error) {
	var r model.ServiceRequest
	err := m.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return r, ErrNotFound
	}
	return r, err
}

func (m *Mongo) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.ServiceRequest, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	filter := bson.M{}
	if f.CustomerID != "" {
		filter["customerId"] = f.CustomerID
	}
	if f.MechanicID != "" {
		filter["$or"] = bson.A{bson.M{"mechanicId": f.MechanicID}, bson.M{"notifiedMechanics": f.MechanicID}}
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Cursor != "" {
		filter["_id"] = bson.M{"$gt": f.Cursor}
	}
	cur, err := m.requests.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, "", err
	}
	out := []model.ServiceRequest{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Mongo) UpdateRequest(ctx context.Context, id string, cond Condition, ch Change) (model.ServiceRequest, error) {
	filter := bson.M{"_id": id, "status": cond.Status}
	if cond.MechanicID != "" {
		filter["mechanicId"] = cond.MechanicID
	}
	if cond.Unassigned {
		filter["mechanicId"] = nil
	}
	set := bson.M{"status": ch.Status, "updatedAt": time.Now().UTC()}
	if ch.MechanicID != nil {
		set["mechanicId"] = *ch.MechanicID
	}
	if ch.Quotation != nil {
		set["quotation"] = *ch.Quotation
	}
	if ch.EstimatedDuration != nil {
		set["estimatedDuration"] = *ch.EstimatedDuration
	}
	if ch.FinalAmount != nil {
		set["finalAmount"] = *ch.FinalAmount
	}
	if ch.CompletedAt != nil {
		set["completedAt"] = *ch.CompletedAt
	}
	if ch.CancelledAt != nil {
		set["cancelledAt"] = *ch.CancelledAt
	}
	if ch.CancellationReason != "" {
		set["cancellationReason"] = ch.CancellationReason
	}
	update := bson.M{
		"$set":  set,
		"$push": bson.M{"statusHistory": ch.Entry},
		"$inc":  bson.M{"version": 1},
	}
	var r model.ServiceRequest
	err := m.requests.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := m.requests.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return r, cerr
		}
		if n == 0 {
			return r, ErrNotFound
		}
		return r, ErrConflict
	}
	return r, err
}

func (m *Mongo) SetNotified(ctx context.Context, id string, mechanicIDs []string) error {
	res, err := m.requests.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"notifiedMechanics": nonNil(mechanicIDs)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) AddNote(ctx context.Context, id string, note model.Note) (model.ServiceRequest, error) {
	var r model.ServiceRequest
	err := m.requests.FindOneAndUpdate(ctx, bson.M{"_id": id},
		bson.M{"$push": bson.M{"notes": note}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return r, ErrNotFound
	}
	return r, err
}

func toMechanicDoc(mech model.Mechanic) mechanicDoc {
	d := mechanicDoc{Mechanic: mech}
	if mech.Location != nil {
		d.Point = &geoPoint{Type: "Point", Coordinates: []float64{mech.Location.Lng, mech.Location.Lat}}
	}
	return d
}

func (m *Mongo) UpsertMechanic(ctx context.Context, mech model.Mechanic) (model.Mechanic, error) {
	if mech.ID == "" {
		mech.ID = uuid.New().String()
	}
	mech.UpdatedAt = time.Now().UTC()
	_, err := m.mechanics.ReplaceOne(ctx, bson.M{"_id": mech.ID}, toMechanicDoc(mech), options.Replace().SetUpsert(true))
	if err != nil {
		return mech, err
	}
	return mech, nil
}

func (m *Mongo) GetMechanic(ctx context.Context, id string) (model.Mechanic, error) {
	var d mechanicDoc
	err := m.mechanics.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Mechanic{}, ErrNotFound
	}
	return d.Mechanic, err
}

func (m *Mongo) UpdateMechanicLocation(ctx context.Context, id string, loc model.Location) error {
	res, err := m.mechanics.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"location":  loc,
		"point":     geoPoint{Type: "Point", Coordinates: []float64{loc.Lng, loc.Lat}},
		"updatedAt": time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) SetMechanicAvailability(ctx context.Context, id string, available bool) error {
	res, err := m.mechanics.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"isAvailable": available, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MechanicsNear uses $geoWithin/$centerSphere on the 2dsphere point.
func (m *Mongo) MechanicsNear(ctx context.Context, lat, lng, radiusKm float64) ([]model.Mechanic, error) {
	filter := bson.M{
		"isActive":    true,
		"isAvailable": true,
		"point": bson.M{"$geoWithin": bson.M{
			"$centerSphere": bson.A{bson.A{lng, lat}, radiusKm / earthRadiusKm},
		}},
	}
	cur, err := m.mechanics.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []mechanicDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Mechanic, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Mechanic)
	}
	return out, nil
}

func (m *Mongo) EnqueueDelivery(ctx context.Context, d Delivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.Status = DeliveryPending
	d.CreatedAt = now
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	if _, err := m.deliveries.InsertOne(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// FetchDueDeliveries claims due documents one at a time by pushing their
// next attempt forward, so concurrent workers never pick the same one.
func (m *Mongo) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []Delivery{}
	for len(out) < limit {
		now := time.Now().UTC()
		var d Delivery
		err := m.deliveries.FindOneAndUpdate(ctx,
			bson.M{"status": DeliveryPending, "nextAttemptAt": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"nextAttemptAt": now.Add(30 * time.Second)}},
			options.FindOneAndUpdate().SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}}),
		).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Mongo) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	set := bson.M{}
	if success {
		set["status"] = DeliveryDelivered
		set["deliveredAt"] = time.Now().UTC()
		set["lastError"] = ""
	} else {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		set["nextAttemptAt"] = *nextAttemptAt
		set["lastError"] = lastError
	}
	_, err := m.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set, "$inc": bson.M{"attempts": 1}})
	return err
}

func (m *Mongo) FailDelivery(ctx context.Context, id string, lastError string) error {
	_, err := m.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": DeliveryFailed, "lastError": lastError},
		"$inc": bson.M{"attempts": 1},
	})
	return err
}

func (m *Mongo) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	if cursor != "" {
		filter["_id"] = bson.M{"$gt": cursor}
	}
	cur, err := m.deliveries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, "", err
	}
	out := []Delivery{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Mongo) SetPushToken(ctx context.Context, target, token string) error {
	_, err := m.tokens.UpdateOne(ctx, bson.M{"_id": target},
		bson.M{"$set": bson.M{"token": token, "updatedAt": time.Now().UTC()}}, options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) PushToken(ctx context.Context, target string) (string, error) {
	var doc struct {
		Token string `bson:"token"`
	}
	err := m.tokens.FindOne(ctx, bson.M{"_id": target}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	return doc.Token, err
}
