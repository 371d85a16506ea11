package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"messmeal/internal/model"
)

// ConnectMongo opens a connection and returns the client. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

var _ Store = (*Mongo)(nil)

// mongoDay is the stored shape of a date document; Version guards compare-and-swap commits.
type mongoDay struct {
	ID      string                      `bson:"_id"`
	Date    string                      `bson:"date"`
	Meals   map[string]*model.MealEntry `bson:"meals"`
	Version int64                       `bson:"version"`
}

func (d mongoDay) toModel() *model.DailyAttendance {
	out := model.NewDay(d.Date)
	for k, v := range d.Meals {
		out.Meals[model.Slot(k)] = v
	}
	return out
}

func fromModel(date string, doc *model.DailyAttendance, version int64) mongoDay {
	out := mongoDay{ID: date, Date: date, Meals: map[string]*model.MealEntry{}, Version: version}
	for k, v := range doc.Meals {
		out.Meals[string(k)] = v
	}
	return out
}

// Mongo keeps date documents in daily_meals and profiles in users. Transactions are
// optimistic: each commit replaces a document only if its version is unchanged.
type Mongo struct {
	client      *mongo.Client
	days        *mongo.Collection
	users       *mongo.Collection
	maxAttempts int
	now         func() time.Time
}

// NewMongo builds a store on database db.
func NewMongo(client *mongo.Client, db string, maxAttempts int) *Mongo {
	database := client.Database(db)
	return &Mongo{
		client:      client,
		days:        database.Collection("daily_meals"),
		users:       database.Collection("users"),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Mongo) GetDay(ctx context.Context, date string) (*model.DailyAttendance, error) {
	var d mongoDay
	err := m.days.FindOne(ctx, bson.M{"_id": date}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.toModel(), nil
}

func (m *Mongo) QueryDays(ctx context.Context, dates []string) ([]model.DailyAttendance, error) {
	out := []model.DailyAttendance{}
	if len(dates) == 0 {
		return out, nil
	}
	cur, err := m.days.Find(ctx, bson.M{"date": bson.M{"$in": dates}}, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var d mongoDay
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, *d.toModel())
	}
	return out, cur.Err()
}

type mongoTxn struct {
	m      *Mongo
	reads  map[string]int64 // -1 when the document was absent
	writes *staged
}

func (t *mongoTxn) Get(ctx context.Context, date string) (*model.DailyAttendance, error) {
	var d mongoDay
	err := t.m.days.FindOne(ctx, bson.M{"_id": date}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, ok := t.reads[date]; !ok {
			t.reads[date] = -1
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, ok := t.reads[date]; !ok {
		t.reads[date] = d.Version
	}
	return d.toModel(), nil
}

func (t *mongoTxn) Set(date string, doc *model.DailyAttendance) {
	t.writes.set(date, doc)
}

func (m *Mongo) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	return retry(ctx, "mongo", m.maxAttempts, func() error {
		tx := &mongoTxn{m: m, reads: map[string]int64{}, writes: newStaged()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return m.commit(ctx, tx)
	})
}

// commit applies staged writes one document at a time. The reconciler touches a single
// date per transaction, which keeps every commit a single-document compare-and-swap.
func (m *Mongo) commit(ctx context.Context, tx *mongoTxn) error {
	now := m.now()
	for _, date := range tx.writes.order {
		doc := tx.writes.docs[date]
		doc.StampPending(now)
		read, wasRead := tx.reads[date]
		if !wasRead {
			var cur mongoDay
			err := m.days.FindOne(ctx, bson.M{"_id": date}).Decode(&cur)
			switch {
			case errors.Is(err, mongo.ErrNoDocuments):
				read = -1
			case err != nil:
				return err
			default:
				read = cur.Version
			}
		}
		if read < 0 {
			_, err := m.days.InsertOne(ctx, fromModel(date, doc, 1))
			if mongo.IsDuplicateKeyError(err) {
				return ErrConflict
			}
			if err != nil {
				return err
			}
			continue
		}
		res, err := m.days.ReplaceOne(ctx, bson.M{"_id": date, "version": read}, fromModel(date, doc, read+1))
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrConflict
		}
	}
	return nil
}

func (m *Mongo) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	var p model.UserProfile
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Mongo) UpsertProfile(ctx context.Context, p model.UserProfile) (model.UserProfile, error) {
	existing, err := m.GetProfile(ctx, p.ID)
	if err != nil {
		return model.UserProfile{}, err
	}
	out := mergeProfile(existing, p, m.now())
	_, err = m.users.ReplaceOne(ctx, bson.M{"_id": out.ID}, out, options.Replace().SetUpsert(true))
	if err != nil {
		return model.UserProfile{}, err
	}
	return out, nil
}

func (m *Mongo) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	cur, err := m.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []model.UserProfile{}
	for cur.Next(ctx) {
		var p model.UserProfile
		if err := cur.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, cur.Err()
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
