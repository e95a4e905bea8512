package membership

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/revocation"
	"github.com/ourblock/ourblock-trust/trustfact"
	"github.com/ourblock/ourblock-trust/trustgraph"
)

var ctx = context.Background()

func snapshot(anchors []string, vouches map[string][]string) *trustgraph.Snapshot {
	snap := &trustgraph.Snapshot{
		Anchors:    map[string]struct{}{},
		ReceivedBy: vouches,
	}
	for _, a := range anchors {
		snap.Anchors[a] = struct{}{}
	}
	return snap
}

func TestEvaluate(t *testing.T) {
	t.Run("anchor status is terminal", func(t *testing.T) {
		snap := snapshot([]string{"anchor"}, nil)
		assert.Equal(t, StatusAnchor, Evaluate(snap, "anchor"))
	})
	t.Run("anchor stays anchor regardless of vouches", func(t *testing.T) {
		snap := snapshot([]string{"anchor"}, map[string][]string{"anchor": nil})
		assert.Equal(t, StatusAnchor, Evaluate(snap, "anchor"))
	})
	t.Run("unknown agent is pending", func(t *testing.T) {
		assert.Equal(t, StatusPending, Evaluate(snapshot(nil, nil), "nobody"))
	})
	t.Run("one anchor vouch verifies", func(t *testing.T) {
		snap := snapshot([]string{"anchor"}, map[string][]string{"newcomer": {"anchor"}})
		assert.Equal(t, StatusVerified, Evaluate(snap, "newcomer"))
	})
	t.Run("one plain vouch is not enough", func(t *testing.T) {
		snap := snapshot([]string{"anchor"}, map[string][]string{"newcomer": {"member"}})
		assert.Equal(t, StatusPending, Evaluate(snap, "newcomer"))
	})
	t.Run("two plain vouches verify", func(t *testing.T) {
		snap := snapshot([]string{"anchor"}, map[string][]string{"newcomer": {"memberA", "memberB"}})
		assert.Equal(t, StatusVerified, Evaluate(snap, "newcomer"))
	})
}

func TestEvaluate_MutualVouchOfUnverifiedMembers(t *testing.T) {
	// two strangers vouching for each other stay pending, but the same
	// pair can verify any third agent: received vouches count even when
	// the vouchers are unverified themselves
	snap := snapshot([]string{"anchor"}, map[string][]string{
		"strangerA": {"strangerB"},
		"strangerB": {"strangerA"},
		"target":    {"strangerA", "strangerB"},
	})
	assert.Equal(t, StatusPending, Evaluate(snap, "strangerA"))
	assert.Equal(t, StatusPending, Evaluate(snap, "strangerB"))
	assert.Equal(t, StatusVerified, Evaluate(snap, "target"))
}

func TestService_CanParticipate(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	// the revocation cache is loaded on start, so the revoked agent
	// gets a fresh name on every run
	member := fmt.Sprintf("member-%d", time.Now().UnixNano())

	self := fx.account.Identity()
	_, err := fx.graph.DesignateAnchor(ctx, self)
	require.NoError(t, err)
	_, err = fx.graph.Vouch(ctx, member, trustfact.VouchPhysicalHandshake, "")
	require.NoError(t, err)

	ok, err := fx.CanParticipate(ctx, member)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("pending agent cannot participate", func(t *testing.T) {
		ok, err := fx.CanParticipate(ctx, "strangerZ")
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("revocation overrides verification", func(t *testing.T) {
		_, err := fx.revocation.Revoke(ctx, member, "expelled by vote")
		require.NoError(t, err)
		ok, err := fx.CanParticipate(ctx, member)
		require.NoError(t, err)
		assert.False(t, ok)

		// the vouch edges are still there, only participation is gone
		verified, err := fx.IsVerified(ctx, member)
		require.NoError(t, err)
		assert.True(t, verified)
	})
}

func TestService_GetMembershipInfo(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	self := fx.account.Identity()
	_, err := fx.graph.DesignateAnchor(ctx, self)
	require.NoError(t, err)
	_, err = fx.graph.Vouch(ctx, "memberA", trustfact.VouchTrustedIntroduction, "")
	require.NoError(t, err)

	info, err := fx.GetMembershipInfo(ctx, "memberA")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, info.Status)
	assert.False(t, info.IsAnchor)
	assert.False(t, info.Revoked)
	assert.Equal(t, []ReceivedVouch{{Voucher: self, FromAnchor: true}}, info.VouchesReceived)
	assert.Equal(t, 1, info.AnchorVouches)

	t.Run("anchor side of the edge", func(t *testing.T) {
		info, err := fx.GetMembershipInfo(ctx, self)
		require.NoError(t, err)
		assert.Equal(t, StatusAnchor, info.Status)
		assert.True(t, info.IsAnchor)
		assert.Equal(t, []string{"memberA"}, info.VouchesGiven)
	})
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{
		Service:    New(),
		db:         db.New(),
		account:    account.New(),
		factLog:    factlog.New(),
		graph:      trustgraph.New(),
		revocation: revocation.New(),
		a:          new(app.App),
	}
	fx.a.Register(config{}).
		Register(fx.db).
		Register(metric.New()).
		Register(fx.account).
		Register(fx.factLog).
		Register(fx.graph).
		Register(fx.revocation).
		Register(fx.Service)
	require.NoError(t, fx.a.Start(ctx))
	for _, coll := range []string{"vouches", "anchors", "revocations", "factLog"} {
		_ = fx.db.Db().Collection(coll).Drop(ctx)
	}
	time.Sleep(time.Second / 2)
	return fx
}

type fixture struct {
	Service
	a          *app.App
	db         db.Database
	account    account.Service
	factLog    factlog.FactLog
	graph      trustgraph.TrustGraph
	revocation revocation.RevocationRegistry
}

func (fx *fixture) finish(t *testing.T) {
	require.NoError(t, fx.a.Close(ctx))
}

type config struct {
}

func (c config) Init(a *app.App) (err error) { return }
func (c config) Name() (name string)         { return "config" }

func (c config) GetMongo() db.Mongo {
	return db.Mongo{
		Connect:  "mongodb://localhost:27017",
		Database: "trust_unittest_membership",
	}
}

func (c config) GetAccount() account.Config {
	return account.Config{}
}

func (c config) GetCommunity() community.Config {
	return community.Config{CommunityID: "blockA"}
}

func (c config) GetMetric() metric.Config {
	return metric.Config{}
}
