package ledger

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
)

const (
	mongoStore       = "mongodb"
	defaultMongoDB   = "llmproxy"
	accountsColl     = "api_keys"
	eventsColl       = "events_oneoff"
	mongoCallTimeout = 10 * time.Second
)

type accountDoc struct {
	ID      string     `bson:"_id"`
	Secret  string     `bson:"secret"`
	Type    string     `bson:"type"`
	Expires *time.Time `bson:"expires"`
	Comment string     `bson:"comment"`
}

func (d accountDoc) account(now time.Time) Account {
	acc := Account{
		ID:         d.ID,
		SecretHash: d.Secret,
		Kind:       d.Type,
		Comment:    d.Comment,
		Status:     statusAt(d.Expires, now),
	}
	if d.Expires != nil {
		t := d.Expires.UTC()
		acc.ExpiresAt = &t
	}
	return acc
}

type eventDoc struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Created   time.Time     `bson:"date_created"`
	APIKeyID  string        `bson:"api_key_id"`
	Product   string        `bson:"product"`
	Quantity  int64         `bson:"quantity"`
	RequestID string        `bson:"request_id"`
}

// MongoStore is the document ledger. Concurrency is left to the server; the
// driver pools connections.
type MongoStore struct {
	client   *mongo.Client
	accounts *mongo.Collection
	events   *mongo.Collection
	now      func() time.Time
}

func OpenMongo(ctx context.Context, uri string) (*MongoStore, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, storageErr(mongoStore, "parse uri", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDB
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, storageErr(mongoStore, "connect", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:   client,
		accounts: db.Collection(accountsColl),
		events:   db.Collection(eventsColl),
		now:      time.Now,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoCallTimeout)
	defer cancel()

	_, err := s.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "secret", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return storageErr(mongoStore, "create index", err)
	}

	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "api_key_id", Value: 1}, {Key: "date_created", Value: 1}}},
	})
	return storageErr(mongoStore, "create index", err)
}

func notExpired(now time.Time) bson.A {
	return bson.A{
		bson.M{"expires": nil},
		bson.M{"expires": bson.M{"$gt": now}},
	}
}

func (s *MongoStore) FindAccountBySecretHash(ctx context.Context, hash string) (*Account, error) {
	now := normalizeTime(s.now())
	filter := bson.M{
		"secret": hash,
		"type":   KindLLM,
		"$or":    notExpired(now),
	}

	var doc accountDoc
	if err := s.accounts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAccountNotFound
		}
		return nil, storageErr(mongoStore, "find account", err)
	}

	acc := doc.account(now)
	return &acc, nil
}

func (s *MongoStore) CreateAccount(ctx context.Context, secretHash string, expiresAt *time.Time, comment string) (string, error) {
	doc := accountDoc{
		ID:      uuid.NewString(),
		Secret:  secretHash,
		Type:    KindLLM,
		Expires: normalizeTimePtr(expiresAt),
		Comment: comment,
	}
	if _, err := s.accounts.InsertOne(ctx, doc); err != nil {
		return "", storageErr(mongoStore, "create account", err)
	}
	return doc.ID, nil
}

func (s *MongoStore) ListAccounts(ctx context.Context, hashPrefix string, includeExpired bool) ([]Account, error) {
	now := normalizeTime(s.now())
	filter := bson.M{"secret": bson.M{"$regex": "^" + regexp.QuoteMeta(hashPrefix)}}
	if !includeExpired {
		filter["$or"] = notExpired(now)
	}

	cur, err := s.accounts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "secret", Value: 1}}))
	if err != nil {
		return nil, storageErr(mongoStore, "list accounts", err)
	}

	var docs []accountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storageErr(mongoStore, "list accounts", err)
	}

	accounts := make([]Account, 0, len(docs))
	for _, d := range docs {
		accounts = append(accounts, d.account(now))
	}
	return accounts, nil
}

func (s *MongoStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) error {
	if upd.empty() {
		return ErrNothingToUpdate
	}

	set := bson.M{}
	switch {
	case upd.ClearExpiry:
		set["expires"] = nil
	case upd.ExpiresAt != nil:
		set["expires"] = normalizeTime(*upd.ExpiresAt)
	}
	if upd.Comment != nil {
		set["comment"] = *upd.Comment
	}

	res, err := s.accounts.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return storageErr(mongoStore, "update account", err)
	}
	if res.MatchedCount == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *MongoStore) RecordEvent(ctx context.Context, ev Event) error {
	_, err := s.events.InsertOne(ctx, eventDoc{
		Created:   normalizeTime(ev.CreatedAt),
		APIKeyID:  ev.AccountID,
		Product:   ev.Product,
		Quantity:  ev.Quantity,
		RequestID: ev.RequestID,
	})
	return storageErr(mongoStore, "record event", err)
}

func (s *MongoStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	q := bson.M{}
	if filter.AccountID != "" {
		q["api_key_id"] = filter.AccountID
	}
	if filter.RequestID != "" {
		q["request_id"] = filter.RequestID
	}
	if !filter.Since.IsZero() {
		q["date_created"] = bson.M{"$gte": normalizeTime(filter.Since)}
	}

	opts := options.Find().SetSort(bson.D{{Key: "date_created", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.events.Find(ctx, q, opts)
	if err != nil {
		return nil, storageErr(mongoStore, "list events", err)
	}

	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storageErr(mongoStore, "list events", err)
	}

	events := make([]Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, Event{
			CreatedAt: d.Created.UTC(),
			AccountID: d.APIKeyID,
			Product:   d.Product,
			Quantity:  d.Quantity,
			RequestID: d.RequestID,
		})
	}
	return events, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return storageErr(mongoStore, "ping", s.client.Ping(ctx, nil))
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
