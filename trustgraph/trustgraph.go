// Package trustgraph keeps the web-of-trust state: who vouched for
// whom and who the trusted anchors are. Vouches are directed and
// immutable; a mutual relationship is two separate vouches. Anchors
// form an append-only set seeded by a founding self-designation.
package trustgraph

import (
	"context"
	"errors"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.graph"

const (
	collVouches = "vouches"
	collAnchors = "anchors"
)

var log = logger.NewNamed(CName)

var timeNow = time.Now

var (
	ErrDuplicateVouch  = errors.New("vouch already exists for this pair")
	ErrNotAnAnchor     = errors.New("only an anchor can designate anchors")
	ErrAlreadyAnchor   = errors.New("agent is already an anchor")
	ErrNotTheBootstrap = errors.New("founding designation reserved for the bootstrap identity")
)

func New() TrustGraph {
	return new(trustGraph)
}

// Vouch is one directed edge of the graph. The fact id doubles as the
// document id, the (voucher, vouchee) pair is unique: re-vouching for
// the same agent is rejected, vouching back is a distinct edge.
type Vouch struct {
	Id        string              `bson:"_id"`
	Voucher   string              `bson:"voucher"`
	Vouchee   string              `bson:"vouchee"`
	Kind      trustfact.VouchKind `bson:"kind"`
	Note      string              `bson:"note,omitempty"`
	CreatedAt int64               `bson:"createdAt"`
}

type Anchor struct {
	Agent        string `bson:"_id"`
	DesignatedBy string `bson:"designatedBy"`
	CreatedAt    int64  `bson:"createdAt"`
}

// Snapshot is a point-in-time read of the whole graph, loaded once per
// evaluation so every status computed from it is mutually consistent.
type Snapshot struct {
	Anchors map[string]struct{}
	// ReceivedBy maps a vouchee to the set of identities that vouched
	// for them.
	ReceivedBy map[string][]string
}

func (s *Snapshot) IsAnchor(agent string) bool {
	_, ok := s.Anchors[agent]
	return ok
}

func (s *Snapshot) Received(agent string) []string {
	return s.ReceivedBy[agent]
}

type TrustGraph interface {
	// Vouch records that this node's identity vouches for vouchee.
	Vouch(ctx context.Context, vouchee string, kind trustfact.VouchKind, note string) (v Vouch, err error)
	// DesignateAnchor promotes an agent to trusted anchor. Only an
	// existing anchor may designate; when no anchors exist yet the
	// caller founds the set by designating itself.
	DesignateAnchor(ctx context.Context, agent string) (a Anchor, err error)
	ListAnchors(ctx context.Context) (anchors []Anchor, err error)
	IsAnchor(ctx context.Context, agent string) (ok bool, err error)
	VouchesReceived(ctx context.Context, agent string) (vs []Vouch, err error)
	VouchesGiven(ctx context.Context, agent string) (vs []Vouch, err error)
	// VouchForRequest verifies a signed vouch request payload and
	// countersigns it with a regular vouch for the requesting agent.
	VouchForRequest(ctx context.Context, data []byte, kind trustfact.VouchKind, note string) (v Vouch, err error)
	// Snapshot loads the full graph for a consistent evaluation pass.
	Snapshot(ctx context.Context) (snap *Snapshot, err error)
	// ApplyVouch and ApplyAnchor merge replicated facts; both are
	// idempotent and never fail on duplicates.
	ApplyVouch(ctx context.Context, factId string, fact trustfact.Fact) (err error)
	ApplyAnchor(ctx context.Context, fact trustfact.Fact) (err error)
	app.ComponentRunnable
}

type configProvider interface {
	GetCommunity() community.Config
}

type trustGraph struct {
	db      db.Database
	vouches *mongo.Collection
	anchors *mongo.Collection
	account account.Service
	factLog factlog.FactLog
	conf    community.Config
}

func (t *trustGraph) Init(a *app.App) (err error) {
	t.db = a.MustComponent(db.CName).(db.Database)
	t.account = a.MustComponent(account.CName).(account.Service)
	t.factLog = a.MustComponent(factlog.CName).(factlog.FactLog)
	t.conf = a.MustComponent("config").(configProvider).GetCommunity()
	return
}

func (t *trustGraph) Name() (name string) {
	return CName
}

func (t *trustGraph) Run(ctx context.Context) (err error) {
	t.vouches = t.db.Db().Collection(collVouches)
	t.anchors = t.db.Db().Collection(collAnchors)
	_, err = t.vouches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "voucher", Value: 1}, {Key: "vouchee", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "vouchee", Value: 1}},
		},
	})
	return
}

func (t *trustGraph) Close(_ context.Context) (err error) {
	return
}

func (t *trustGraph) Vouch(ctx context.Context, vouchee string, kind trustfact.VouchKind, note string) (v Vouch, err error) {
	fact := trustfact.Fact{
		Kind:      trustfact.KindVouch,
		CreatedAt: timeNow().UnixMicro(),
		Vouch: &trustfact.VouchPayload{
			Vouchee: vouchee,
			Kind:    kind,
			Note:    note,
		},
	}
	signed, err := trustfact.NewSigned(fact, t.account.SignKey())
	if err != nil {
		return
	}
	v = Vouch{
		Id:        signed.Id,
		Voucher:   t.account.Identity(),
		Vouchee:   vouchee,
		Kind:      kind,
		Note:      note,
		CreatedAt: fact.CreatedAt,
	}
	added, err := t.upsertVouch(ctx, v)
	if err != nil {
		return Vouch{}, err
	}
	if !added {
		return Vouch{}, ErrDuplicateVouch
	}
	if _, err = t.factLog.Append(ctx, v.Voucher, trustfact.KindVouch, signed); err != nil {
		return Vouch{}, err
	}
	log.Info("vouched", zap.String("vouchee", vouchee), zap.String("kind", string(kind)))
	return
}

func (t *trustGraph) DesignateAnchor(ctx context.Context, agent string) (a Anchor, err error) {
	self := t.account.Identity()
	count, err := t.anchors.CountDocuments(ctx, bson.D{})
	if err != nil {
		return
	}
	if count == 0 {
		// founding designation: the set is seeded by a self-designation,
		// restricted to the configured bootstrap identity when one is set
		if agent != self {
			return Anchor{}, ErrNotAnAnchor
		}
		if t.conf.BootstrapIdentity != "" && self != t.conf.BootstrapIdentity {
			return Anchor{}, ErrNotTheBootstrap
		}
	} else {
		selfIsAnchor, err := t.IsAnchor(ctx, self)
		if err != nil {
			return Anchor{}, err
		}
		if !selfIsAnchor {
			return Anchor{}, ErrNotAnAnchor
		}
		alreadyAnchor, err := t.IsAnchor(ctx, agent)
		if err != nil {
			return Anchor{}, err
		}
		if alreadyAnchor {
			return Anchor{}, ErrAlreadyAnchor
		}
	}

	fact := trustfact.Fact{
		Kind:      trustfact.KindAnchor,
		CreatedAt: timeNow().UnixMicro(),
		Anchor: &trustfact.AnchorPayload{
			Agent:        agent,
			DesignatedBy: self,
		},
	}
	signed, err := trustfact.NewSigned(fact, t.account.SignKey())
	if err != nil {
		return
	}
	a = Anchor{
		Agent:        agent,
		DesignatedBy: self,
		CreatedAt:    fact.CreatedAt,
	}
	if err = t.upsertAnchor(ctx, a); err != nil {
		return Anchor{}, err
	}
	if _, err = t.factLog.Append(ctx, self, trustfact.KindAnchor, signed); err != nil {
		return Anchor{}, err
	}
	log.Info("designated anchor", zap.String("agent", agent))
	return
}

func (t *trustGraph) ListAnchors(ctx context.Context) (anchors []Anchor, err error) {
	cur, err := t.anchors.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return
	}
	defer cur.Close(ctx)
	err = cur.All(ctx, &anchors)
	return
}

func (t *trustGraph) IsAnchor(ctx context.Context, agent string) (ok bool, err error) {
	err = t.anchors.FindOne(ctx, byId{Id: agent}).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	return false, err
}

func (t *trustGraph) VouchesReceived(ctx context.Context, agent string) (vs []Vouch, err error) {
	return t.findVouches(ctx, byVouchee{Vouchee: agent})
}

func (t *trustGraph) VouchesGiven(ctx context.Context, agent string) (vs []Vouch, err error) {
	return t.findVouches(ctx, byVoucher{Voucher: agent})
}

func (t *trustGraph) Snapshot(ctx context.Context) (snap *Snapshot, err error) {
	snap = &Snapshot{
		Anchors:    map[string]struct{}{},
		ReceivedBy: map[string][]string{},
	}
	anchors, err := t.ListAnchors(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range anchors {
		snap.Anchors[a.Agent] = struct{}{}
	}
	vouches, err := t.findVouches(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	for _, v := range vouches {
		snap.ReceivedBy[v.Vouchee] = append(snap.ReceivedBy[v.Vouchee], v.Voucher)
	}
	return
}

func (t *trustGraph) ApplyVouch(ctx context.Context, factId string, fact trustfact.Fact) (err error) {
	if fact.Vouch == nil {
		return trustfact.ErrNoPayload
	}
	_, err = t.upsertVouch(ctx, Vouch{
		Id:        factId,
		Voucher:   fact.Author,
		Vouchee:   fact.Vouch.Vouchee,
		Kind:      fact.Vouch.Kind,
		Note:      fact.Vouch.Note,
		CreatedAt: fact.CreatedAt,
	})
	return
}

func (t *trustGraph) ApplyAnchor(ctx context.Context, fact trustfact.Fact) (err error) {
	if fact.Anchor == nil {
		return trustfact.ErrNoPayload
	}
	return t.upsertAnchor(ctx, Anchor{
		Agent:        fact.Anchor.Agent,
		DesignatedBy: fact.Anchor.DesignatedBy,
		CreatedAt:    fact.CreatedAt,
	})
}

func (t *trustGraph) upsertVouch(ctx context.Context, v Vouch) (added bool, err error) {
	res, err := t.vouches.UpdateOne(ctx,
		bson.D{{Key: "voucher", Value: v.Voucher}, {Key: "vouchee", Value: v.Vouchee}},
		bson.M{"$setOnInsert": v},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (t *trustGraph) upsertAnchor(ctx context.Context, a Anchor) (err error) {
	_, err = t.anchors.UpdateOne(ctx, byId{Id: a.Agent},
		bson.M{"$setOnInsert": onInsertAnchor{DesignatedBy: a.DesignatedBy, CreatedAt: a.CreatedAt}},
		options.Update().SetUpsert(true))
	return
}

func (t *trustGraph) findVouches(ctx context.Context, filter any) (vs []Vouch, err error) {
	cur, err := t.vouches.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return
	}
	defer cur.Close(ctx)
	err = cur.All(ctx, &vs)
	return
}

type byId struct {
	Id string `bson:"_id"`
}

type byVouchee struct {
	Vouchee string `bson:"vouchee"`
}

type byVoucher struct {
	Voucher string `bson:"voucher"`
}

type onInsertAnchor struct {
	DesignatedBy string `bson:"designatedBy"`
	CreatedAt    int64  `bson:"createdAt"`
}
