// Package revocation is the append-only blacklist of expelled agents.
// A revocation is permanent: there is no unrevoke operation, and a
// replicated revocation for an already listed agent changes nothing.
package revocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.revocation"

const collName = "revocations"

var log = logger.NewNamed(CName)

var ErrAlreadyRevoked = errors.New("agent is already revoked")

var timeNow = time.Now

func New() RevocationRegistry {
	return new(revocationRegistry)
}

type Revocation struct {
	Agent     string `bson:"_id"`
	RevokedBy string `bson:"revokedBy"`
	Reason    string `bson:"reason"`
	CreatedAt int64  `bson:"createdAt"`
}

type RevocationRegistry interface {
	// Revoke adds an agent to the blacklist with a mandatory reason.
	Revoke(ctx context.Context, agent, reason string) (r Revocation, err error)
	// IsRevoked answers from an in-memory set, so membership checks on
	// the hot path never touch the database.
	IsRevoked(agent string) (revoked bool)
	List(ctx context.Context) (rs []Revocation, err error)
	// ApplyRevocation merges a replicated revocation fact; duplicates
	// for a listed agent are silently ignored.
	ApplyRevocation(ctx context.Context, fact trustfact.Fact) (err error)
	app.ComponentRunnable
}

type revocationRegistry struct {
	db      db.Database
	coll    *mongo.Collection
	account account.Service
	factLog factlog.FactLog

	mu      sync.RWMutex
	revoked map[string]struct{}
}

func (r *revocationRegistry) Init(a *app.App) (err error) {
	r.db = a.MustComponent(db.CName).(db.Database)
	r.account = a.MustComponent(account.CName).(account.Service)
	r.factLog = a.MustComponent(factlog.CName).(factlog.FactLog)
	r.revoked = map[string]struct{}{}
	return
}

func (r *revocationRegistry) Name() (name string) {
	return CName
}

func (r *revocationRegistry) Run(ctx context.Context) (err error) {
	r.coll = r.db.Db().Collection(collName)
	rs, err := r.List(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	for _, rev := range rs {
		r.revoked[rev.Agent] = struct{}{}
	}
	r.mu.Unlock()
	log.Info("loaded revocation set", zap.Int("size", len(rs)))
	return
}

func (r *revocationRegistry) Close(_ context.Context) (err error) {
	return
}

func (r *revocationRegistry) Revoke(ctx context.Context, agent, reason string) (rev Revocation, err error) {
	// who may revoke whom is the caller's policy; the registry only
	// enforces the structural invariants
	self := r.account.Identity()
	fact := trustfact.Fact{
		Kind:      trustfact.KindRevocation,
		CreatedAt: timeNow().UnixMicro(),
		Revocation: &trustfact.RevocationPayload{
			RevokedAgent: agent,
			Reason:       reason,
		},
	}
	signed, err := trustfact.NewSigned(fact, r.account.SignKey())
	if err != nil {
		return
	}
	rev = Revocation{
		Agent:     agent,
		RevokedBy: self,
		Reason:    reason,
		CreatedAt: fact.CreatedAt,
	}
	added, err := r.upsert(ctx, rev)
	if err != nil {
		return Revocation{}, err
	}
	if !added {
		return Revocation{}, ErrAlreadyRevoked
	}
	if _, err = r.factLog.Append(ctx, self, trustfact.KindRevocation, signed); err != nil {
		return Revocation{}, err
	}
	log.Info("revoked agent", zap.String("agent", agent))
	return
}

func (r *revocationRegistry) IsRevoked(agent string) (revoked bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, revoked = r.revoked[agent]
	return
}

func (r *revocationRegistry) List(ctx context.Context) (rs []Revocation, err error) {
	cur, err := r.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return
	}
	defer cur.Close(ctx)
	err = cur.All(ctx, &rs)
	return
}

func (r *revocationRegistry) ApplyRevocation(ctx context.Context, fact trustfact.Fact) (err error) {
	if fact.Revocation == nil {
		return trustfact.ErrNoPayload
	}
	_, err = r.upsert(ctx, Revocation{
		Agent:     fact.Revocation.RevokedAgent,
		RevokedBy: fact.Author,
		Reason:    fact.Revocation.Reason,
		CreatedAt: fact.CreatedAt,
	})
	return
}

func (r *revocationRegistry) upsert(ctx context.Context, rev Revocation) (added bool, err error) {
	res, err := r.coll.UpdateOne(ctx, byAgent{Agent: rev.Agent},
		bson.M{"$setOnInsert": onInsert{RevokedBy: rev.RevokedBy, Reason: rev.Reason, CreatedAt: rev.CreatedAt}},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.revoked[rev.Agent] = struct{}{}
	r.mu.Unlock()
	return res.UpsertedCount > 0, nil
}

type byAgent struct {
	Agent string `bson:"_id"`
}

type onInsert struct {
	RevokedBy string `bson:"revokedBy"`
	Reason    string `bson:"reason"`
	CreatedAt int64  `bson:"createdAt"`
}
