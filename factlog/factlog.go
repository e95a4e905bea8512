package factlog

import (
	"context"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.factLog"

var log = logger.NewNamed(CName)

const (
	collName     = "factLog"
	defaultLimit = 1000
)

func New() FactLog {
	return new(factLog)
}

// FactLog is the local causally-ordered log of every fact this peer
// knows about, own writes and replicated ones alike. Ordering is the
// insertion order on this peer only; peers never agree on a global
// order and consumers must not assume one.
type FactLog interface {
	// Append stores a fact record; appending the same fact id twice is
	// a no-op and returns added=false.
	Append(ctx context.Context, owner string, kind trustfact.Kind, fact *trustfact.SignedFact) (added bool, err error)
	// GetAfter pages through the log in local insertion order, for the
	// pull sync endpoint and the gossip publisher cursor.
	GetAfter(ctx context.Context, afterId string, limit uint32) (records []Record, hasMore bool, err error)
	// GetByOwner returns facts authored by one identity, in that
	// identity's causal write order.
	GetByOwner(ctx context.Context, owner string) (records []Record, err error)
	app.ComponentRunnable
}

type Record struct {
	Id        *primitive.ObjectID `bson:"_id,omitempty"`
	FactId    string              `bson:"factId"`
	Owner     string              `bson:"owner"`
	Kind      trustfact.Kind      `bson:"kind"`
	Payload   []byte              `bson:"payload"`
	Signature []byte              `bson:"signature"`
}

func (r Record) Signed() *trustfact.SignedFact {
	return &trustfact.SignedFact{
		Id:        r.FactId,
		Payload:   r.Payload,
		Signature: r.Signature,
	}
}

type factLog struct {
	db   db.Database
	coll *mongo.Collection
}

func (f *factLog) Init(a *app.App) (err error) {
	f.db = a.MustComponent(db.CName).(db.Database)
	return
}

func (f *factLog) Name() (name string) {
	return CName
}

func (f *factLog) Run(ctx context.Context) (err error) {
	f.coll = f.db.Db().Collection(collName)
	_ = f.db.Db().CreateCollection(ctx, collName)
	_, err = f.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "factId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner", Value: 1}},
		},
	})
	return
}

func (f *factLog) Close(_ context.Context) (err error) {
	return nil
}

func (f *factLog) Append(ctx context.Context, owner string, kind trustfact.Kind, fact *trustfact.SignedFact) (added bool, err error) {
	rec := Record{
		FactId:    fact.Id,
		Owner:     owner,
		Kind:      kind,
		Payload:   fact.Payload,
		Signature: fact.Signature,
	}
	res, err := f.coll.UpdateOne(ctx, byFactId{FactId: fact.Id},
		bson.M{"$setOnInsert": rec}, options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

type byFactId struct {
	FactId string `bson:"factId"`
}

type findIdGt struct {
	Id struct {
		Gt primitive.ObjectID `bson:"$gt"`
	} `bson:"_id"`
}

type findOwner struct {
	Owner string `bson:"owner"`
}

var sortById = bson.D{{Key: "_id", Value: 1}}

func (f *factLog) GetAfter(ctx context.Context, afterId string, limit uint32) (records []Record, hasMore bool, err error) {
	if limit == 0 || limit > defaultLimit {
		limit = defaultLimit
	}
	// fetch one more item to detect a hasMore
	limit += 1

	var q any
	if afterId != "" {
		var qGt findIdGt
		if qGt.Id.Gt, err = primitive.ObjectIDFromHex(afterId); err != nil {
			return
		}
		q = qGt
	} else {
		q = bson.D{}
	}
	it, err := f.coll.Find(ctx, q, options.Find().SetSort(sortById).SetLimit(int64(limit)))
	if err != nil {
		return
	}
	defer func() {
		_ = it.Close(ctx)
	}()
	records = make([]Record, 0, limit)
	for it.Next(ctx) {
		var rec Record
		if err = it.Decode(&rec); err != nil {
			return
		}
		records = append(records, rec)
	}
	if len(records) == int(limit) {
		records = records[:len(records)-1]
		hasMore = true
	}
	return
}

func (f *factLog) GetByOwner(ctx context.Context, owner string) (records []Record, err error) {
	it, err := f.coll.Find(ctx, findOwner{Owner: owner}, options.Find().SetSort(sortById))
	if err != nil {
		return
	}
	defer func() {
		_ = it.Close(ctx)
	}()
	for it.Next(ctx) {
		var rec Record
		if err = it.Decode(&rec); err != nil {
			return
		}
		records = append(records, rec)
	}
	return records, it.Err()
}
