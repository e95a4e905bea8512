package trustgraph

import (
	"context"
	"testing"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/util/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ourblock/ourblock-trust/account"
	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/db"
	"github.com/ourblock/ourblock-trust/factlog"
	"github.com/ourblock/ourblock-trust/trustfact"
)

var ctx = context.Background()

func TestTrustGraph_Vouch(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	v, err := fx.Vouch(ctx, "agentB", trustfact.VouchPhysicalHandshake, "met at the block party")
	require.NoError(t, err)
	assert.Equal(t, fx.account.Identity(), v.Voucher)
	assert.Equal(t, "agentB", v.Vouchee)

	t.Run("duplicate pair rejected", func(t *testing.T) {
		_, err := fx.Vouch(ctx, "agentB", trustfact.VouchExistingRelationship, "")
		assert.ErrorIs(t, err, ErrDuplicateVouch)
	})
	t.Run("self vouch rejected", func(t *testing.T) {
		_, err := fx.Vouch(ctx, fx.account.Identity(), trustfact.VouchPhysicalHandshake, "")
		assert.ErrorIs(t, err, trustfact.ErrSelfVouch)
	})
	t.Run("received and given", func(t *testing.T) {
		received, err := fx.VouchesReceived(ctx, "agentB")
		require.NoError(t, err)
		require.Len(t, received, 1)
		assert.Equal(t, v.Id, received[0].Id)

		given, err := fx.VouchesGiven(ctx, fx.account.Identity())
		require.NoError(t, err)
		require.Len(t, given, 1)
	})
	t.Run("vouch appends a fact", func(t *testing.T) {
		records, err := fx.factLog.GetByOwner(ctx, fx.account.Identity())
		require.NoError(t, err)
		require.Len(t, records, 1)
		fact, err := records[0].Signed().Open()
		require.NoError(t, err)
		assert.Equal(t, trustfact.KindVouch, fact.Kind)
		assert.Equal(t, "agentB", fact.Vouch.Vouchee)
	})
}

func TestTrustGraph_ApplyVouch(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	sf, fact := replicatedVouch(t, "agentB", "hello")
	require.NoError(t, fx.ApplyVouch(ctx, sf.Id, fact))

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, fx.ApplyVouch(ctx, sf.Id, fact))
		received, err := fx.VouchesReceived(ctx, "agentB")
		require.NoError(t, err)
		assert.Len(t, received, 1)
	})
	t.Run("reverse edge is distinct", func(t *testing.T) {
		reverseKey, _, err := crypto.GenerateRandomEd25519KeyPair()
		require.NoError(t, err)
		reverse := trustfact.Fact{
			Kind:      trustfact.KindVouch,
			CreatedAt: time.Now().UnixMicro(),
			Vouch: &trustfact.VouchPayload{
				Vouchee: fact.Author,
				Kind:    trustfact.VouchPhysicalHandshake,
			},
		}
		rsf, err := trustfact.NewSigned(reverse, reverseKey)
		require.NoError(t, err)
		opened, err := rsf.Open()
		require.NoError(t, err)
		require.NoError(t, fx.ApplyVouch(ctx, rsf.Id, opened))

		received, err := fx.VouchesReceived(ctx, fact.Author)
		require.NoError(t, err)
		assert.Len(t, received, 1)
	})
}

func TestTrustGraph_DesignateAnchor(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	self := fx.account.Identity()

	t.Run("founding must be a self-designation", func(t *testing.T) {
		_, err := fx.DesignateAnchor(ctx, "someoneElse")
		assert.ErrorIs(t, err, ErrNotAnAnchor)
	})

	a, err := fx.DesignateAnchor(ctx, self)
	require.NoError(t, err)
	assert.Equal(t, self, a.Agent)
	assert.Equal(t, self, a.DesignatedBy)

	ok, err := fx.IsAnchor(ctx, self)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("anchor designates another agent", func(t *testing.T) {
		a, err := fx.DesignateAnchor(ctx, "agentB")
		require.NoError(t, err)
		assert.Equal(t, self, a.DesignatedBy)

		anchors, err := fx.ListAnchors(ctx)
		require.NoError(t, err)
		assert.Len(t, anchors, 2)
	})
	t.Run("already an anchor", func(t *testing.T) {
		_, err := fx.DesignateAnchor(ctx, "agentB")
		assert.ErrorIs(t, err, ErrAlreadyAnchor)
	})
}

func TestTrustGraph_DesignateAnchor_Bootstrap(t *testing.T) {
	fx := newFixtureConf(t, func(c *community.Config) {
		c.BootstrapIdentity = "someoneElse"
	})
	defer fx.finish(t)

	_, err := fx.DesignateAnchor(ctx, fx.account.Identity())
	assert.ErrorIs(t, err, ErrNotTheBootstrap)
}

func TestTrustGraph_VouchForRequest(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	requesterKey, requesterPub, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)
	data, err := NewVouchRequest(requesterKey)
	require.NoError(t, err)

	v, err := fx.VouchForRequest(ctx, data, trustfact.VouchPhysicalHandshake, "scanned at the meetup")
	require.NoError(t, err)
	assert.Equal(t, requesterPub.Account(), v.Vouchee)
	assert.Equal(t, fx.account.Identity(), v.Voucher)

	t.Run("tampered request rejected", func(t *testing.T) {
		req, err := OpenVouchRequest(data)
		require.NoError(t, err)
		req.Agent = "someoneElse"
		tampered, err := trustfact.Marshal(req)
		require.NoError(t, err)
		_, err = fx.VouchForRequest(ctx, tampered, trustfact.VouchPhysicalHandshake, "")
		assert.ErrorIs(t, err, ErrBadVouchRequest)
	})
	t.Run("stale request rejected", func(t *testing.T) {
		timeNow = func() time.Time { return time.Now().Add(25 * time.Hour) }
		defer func() { timeNow = time.Now }()
		_, err := OpenVouchRequest(data)
		assert.ErrorIs(t, err, ErrVouchRequestExpired)
	})
}

func TestTrustGraph_Snapshot(t *testing.T) {
	fx := newFixture(t)
	defer fx.finish(t)

	self := fx.account.Identity()
	_, err := fx.DesignateAnchor(ctx, self)
	require.NoError(t, err)
	_, err = fx.Vouch(ctx, "agentB", trustfact.VouchPhysicalHandshake, "")
	require.NoError(t, err)
	sf, fact := replicatedVouch(t, "agentB", "")
	require.NoError(t, fx.ApplyVouch(ctx, sf.Id, fact))

	snap, err := fx.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsAnchor(self))
	assert.False(t, snap.IsAnchor("agentB"))
	assert.ElementsMatch(t, []string{self, fact.Author}, snap.Received("agentB"))
	assert.Empty(t, snap.Received(self))
}

func replicatedVouch(t *testing.T, vouchee, note string) (*trustfact.SignedFact, trustfact.Fact) {
	key, _, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)
	sf, err := trustfact.NewSigned(trustfact.Fact{
		Kind:      trustfact.KindVouch,
		CreatedAt: time.Now().UnixMicro(),
		Vouch: &trustfact.VouchPayload{
			Vouchee: vouchee,
			Kind:    trustfact.VouchTrustedIntroduction,
			Note:    note,
		},
	}, key)
	require.NoError(t, err)
	fact, err := sf.Open()
	require.NoError(t, err)
	return sf, fact
}

func newFixture(t *testing.T) *fixture {
	return newFixtureConf(t, nil)
}

func newFixtureConf(t *testing.T, mutate func(c *community.Config)) *fixture {
	conf := community.Config{CommunityID: "blockA"}
	if mutate != nil {
		mutate(&conf)
	}
	fx := &fixture{
		TrustGraph: New(),
		db:         db.New(),
		account:    account.New(),
		factLog:    factlog.New(),
		a:          new(app.App),
	}
	fx.a.Register(config{community: conf}).
		Register(fx.db).
		Register(fx.account).
		Register(fx.factLog).
		Register(fx.TrustGraph)
	require.NoError(t, fx.a.Start(ctx))
	_ = fx.db.Db().Collection(collVouches).Drop(ctx)
	_ = fx.db.Db().Collection(collAnchors).Drop(ctx)
	_ = fx.db.Db().Collection("factLog").Drop(ctx)
	time.Sleep(time.Second / 2)
	return fx
}

type fixture struct {
	TrustGraph
	a       *app.App
	db      db.Database
	account account.Service
	factLog factlog.FactLog
}

func (fx *fixture) finish(t *testing.T) {
	require.NoError(t, fx.a.Close(ctx))
}

type config struct {
	community community.Config
}

func (c config) Init(a *app.App) (err error) { return }
func (c config) Name() (name string)         { return "config" }

func (c config) GetMongo() db.Mongo {
	return db.Mongo{
		Connect:  "mongodb://localhost:27017",
		Database: "trust_unittest_trustgraph",
	}
}

func (c config) GetAccount() account.Config {
	return account.Config{}
}

func (c config) GetCommunity() community.Config {
	return c.community
}
