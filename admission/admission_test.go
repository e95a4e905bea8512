package admission

import (
	"context"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/metric"
	"github.com/anyproto/any-sync/util/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/invite"
	"github.com/ourblock/ourblock-trust/trustfact"
)

var ctx = context.Background()

type testHub struct {
	signKey crypto.PrivKey
	pubKey  crypto.PubKey
}

func newTestHub(t *testing.T) *testHub {
	signKey, pubKey, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)
	return &testHub{signKey: signKey, pubKey: pubKey}
}

func (h *testHub) issue(t *testing.T, communityID, voucher string, validity time.Duration) []byte {
	now := time.Now().UnixMicro()
	signature, err := h.signKey.Sign(invite.SignedPayload(communityID, now, "wss://signal"))
	require.NoError(t, err)
	code, err := invite.EncodeV2(invite.Envelope{
		CommunityID: communityID,
		HubKey:      h.pubKey,
		SignalURL:   "wss://signal",
		CreatedAt:   now,
		ExpiresAt:   now + validity.Microseconds(),
		Signature:   signature,
		Voucher:     voucher,
	})
	require.NoError(t, err)
	return []byte(code)
}

func TestGate_OpenCommunity(t *testing.T) {
	fx := newFixture(t, func(c *community.Config) {
		c.Private = false
	})
	defer fx.finish(t)

	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)
	assert.NoError(t, fx.Admit(ctx, joining, nil))
}

func TestGate_BootstrapBypass(t *testing.T) {
	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	fx := newFixture(t, func(c *community.Config) {
		c.BootstrapIdentity = joining.Account()
	})
	defer fx.finish(t)

	assert.NoError(t, fx.Admit(ctx, joining, nil))

	t.Run("others still need a proof", func(t *testing.T) {
		_, other, err := crypto.GenerateRandomEd25519KeyPair()
		require.NoError(t, err)
		assert.ErrorIs(t, fx.Admit(ctx, other, nil), ErrMissingInvitation)
	})
	t.Run("malformed bootstrap address fails startup", func(t *testing.T) {
		a := new(app.App)
		a.Register(config{community: community.Config{
			CommunityID:       "blockA",
			Private:           true,
			BootstrapIdentity: "not an account address",
		}}).
			Register(metric.New()).
			Register(New())
		assert.Error(t, a.Start(ctx))
	})
}

func TestGate_InvitationEnvelope(t *testing.T) {
	hub := newTestHub(t)
	fx := newFixture(t, nil)
	defer fx.finish(t)

	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	t.Run("valid code admits", func(t *testing.T) {
		assert.NoError(t, fx.Admit(ctx, joining, hub.issue(t, "blockA", "", time.Hour)))
	})
	t.Run("wrong community", func(t *testing.T) {
		assert.ErrorIs(t, fx.Admit(ctx, joining, hub.issue(t, "blockB", "", time.Hour)),
			invite.ErrWrongCommunity)
	})
	t.Run("expired", func(t *testing.T) {
		assert.ErrorIs(t, fx.Admit(ctx, joining, hub.issue(t, "blockA", "", -time.Hour)),
			invite.ErrInvitationExpired)
	})
	t.Run("garbage proof", func(t *testing.T) {
		assert.ErrorIs(t, fx.Admit(ctx, joining, []byte("OURBLOCK_V2:%%%")),
			invite.ErrMalformedInvitation)
	})
}

func TestGate_ForgedSignature(t *testing.T) {
	hub := newTestHub(t)
	fx := newFixture(t, nil)
	defer fx.finish(t)

	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	// envelope names the real hub key but is signed by someone else
	forger := newTestHub(t)
	now := time.Now().UnixMicro()
	signature, err := forger.signKey.Sign(invite.SignedPayload("blockA", now, "wss://signal"))
	require.NoError(t, err)
	code, err := invite.EncodeV2(invite.Envelope{
		CommunityID: "blockA",
		HubKey:      hub.pubKey,
		SignalURL:   "wss://signal",
		CreatedAt:   now,
		ExpiresAt:   now + time.Hour.Microseconds(),
		Signature:   signature,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, fx.Admit(ctx, joining, []byte(code)), invite.ErrInvalidSignature)
}

func TestGate_VoucherRequired(t *testing.T) {
	hub := newTestHub(t)
	fx := newFixture(t, func(c *community.Config) {
		c.RequireVouching = true
	})
	defer fx.finish(t)

	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	assert.ErrorIs(t, fx.Admit(ctx, joining, hub.issue(t, "blockA", "", time.Hour)),
		ErrVoucherRequired)
	assert.NoError(t, fx.Admit(ctx, joining, hub.issue(t, "blockA", "someMember", time.Hour)))
}

func TestGate_RawProof(t *testing.T) {
	fx := newFixture(t, nil)
	defer fx.finish(t)

	joinKey, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	proof := func(t *testing.T, timestamp int64, voucher string) []byte {
		signature, err := joinKey.Sign(RawProofPayload(joining.Account(), timestamp))
		require.NoError(t, err)
		data, err := trustfact.Marshal(rawProof{
			Signature: signature,
			Timestamp: timestamp,
			Voucher:   voucher,
		})
		require.NoError(t, err)
		return data
	}

	t.Run("self-signed proof admits", func(t *testing.T) {
		assert.NoError(t, fx.Admit(ctx, joining, proof(t, time.Now().UnixMicro(), "")))
	})
	t.Run("stale proof rejected", func(t *testing.T) {
		stale := time.Now().Add(-8 * 24 * time.Hour).UnixMicro()
		assert.ErrorIs(t, fx.Admit(ctx, joining, proof(t, stale, "")),
			invite.ErrInvitationExpired)
	})
	t.Run("proof signed by another key rejected", func(t *testing.T) {
		otherKey, _, err := crypto.GenerateRandomEd25519KeyPair()
		require.NoError(t, err)
		timestamp := time.Now().UnixMicro()
		signature, err := otherKey.Sign(RawProofPayload(joining.Account(), timestamp))
		require.NoError(t, err)
		data, err := trustfact.Marshal(rawProof{Signature: signature, Timestamp: timestamp})
		require.NoError(t, err)
		assert.ErrorIs(t, fx.Admit(ctx, joining, data), invite.ErrInvalidSignature)
	})
	t.Run("undecodable proof", func(t *testing.T) {
		assert.ErrorIs(t, fx.Admit(ctx, joining, []byte{0xff, 0x00, 0x01}),
			invite.ErrMalformedInvitation)
	})
}

func TestGate_LegacyTrustOnFirstUse(t *testing.T) {
	hub := newTestHub(t)
	_, joining, err := crypto.GenerateRandomEd25519KeyPair()
	require.NoError(t, err)

	now := time.Now().UnixMicro()
	signature, err := hub.signKey.Sign(invite.SignedPayload("blockA", now, ""))
	require.NoError(t, err)
	code := []byte(invite.PrefixV1 + hub.pubKey.Account() + ":blockA:" +
		strconv.FormatInt(now, 10) + ":" + base64.StdEncoding.EncodeToString(signature))

	t.Run("no configured hub key skips the signature check", func(t *testing.T) {
		fx := newFixture(t, nil)
		defer fx.finish(t)
		assert.NoError(t, fx.Admit(ctx, joining, code))
	})
	t.Run("configured hub key is enforced", func(t *testing.T) {
		forged := newTestHub(t)
		fx := newFixture(t, func(c *community.Config) {
			c.HubPublicKey = forged.pubKey.Account()
		})
		defer fx.finish(t)
		assert.ErrorIs(t, fx.Admit(ctx, joining, code), invite.ErrInvalidSignature)
	})
}

func newFixture(t *testing.T, mutate func(c *community.Config)) *fixture {
	conf := community.Config{
		CommunityID: "blockA",
		Private:     true,
	}
	if mutate != nil {
		mutate(&conf)
	}
	fx := &fixture{
		Gate: New(),
		a:    new(app.App),
	}
	fx.a.Register(config{community: conf}).
		Register(metric.New()).
		Register(fx.Gate)
	require.NoError(t, fx.a.Start(ctx))
	return fx
}

type fixture struct {
	Gate
	a *app.App
}

func (fx *fixture) finish(t *testing.T) {
	require.NoError(t, fx.a.Close(ctx))
}

type config struct {
	community community.Config
}

func (c config) Init(a *app.App) (err error) { return }
func (c config) Name() (name string)         { return "config" }

func (c config) GetCommunity() community.Config {
	return c.community
}

func (c config) GetMetric() metric.Config {
	return metric.Config{}
}
