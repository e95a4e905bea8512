// Package admission decides, once per joining agent at genesis, whether
// a membrane proof is good enough to enter the community. Everything
// after that point is the membership evaluator's problem.
package admission

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/metric"
	"github.com/anyproto/any-sync/util/crypto"
	"go.uber.org/zap"

	"github.com/ourblock/ourblock-trust/community"
	"github.com/ourblock/ourblock-trust/invite"
	"github.com/ourblock/ourblock-trust/trustfact"
)

const CName = "trust.admission"

var log = logger.NewNamed(CName)

var (
	ErrMissingInvitation = errors.New("membrane proof is missing")
	ErrVoucherRequired   = errors.New("joining requires a vouching member")
)

func New() Gate {
	return new(gate)
}

// rawProof is the pre-invitation proof format: the joining agent signs
// its own identity and a timestamp, optionally naming a member who
// agreed to vouch. Kept for peers that joined before invitation codes
// existed.
type rawProof struct {
	Signature []byte `cbor:"signature"`
	Timestamp int64  `cbor:"timestamp"` // unix micros
	Voucher   string `cbor:"voucher,omitempty"`
}

// RawProofPayload is the byte string a raw proof signs.
func RawProofPayload(joiningIdentity string, timestamp int64) []byte {
	payload := make([]byte, 0, len(joiningIdentity)+8)
	payload = append(payload, joiningIdentity...)
	return binary.LittleEndian.AppendUint64(payload, uint64(timestamp))
}

type Gate interface {
	// Admit validates a joining agent's proof. A nil error admits; the
	// decision is never re-checked afterwards.
	Admit(ctx context.Context, joining crypto.PubKey, proof []byte) (err error)
	app.Component
}

type configProvider interface {
	GetCommunity() community.Config
}

type gate struct {
	conf      community.Config
	bootstrap crypto.PubKey
	metric    metric.Metric
}

func (g *gate) Init(a *app.App) (err error) {
	g.conf = a.MustComponent("config").(configProvider).GetCommunity()
	g.metric = a.MustComponent(metric.CName).(metric.Metric)
	if err = g.conf.Check(); err != nil {
		return
	}
	// a misconfigured bootstrap address fails startup instead of
	// silently never matching a joining key
	g.bootstrap, err = g.conf.BootstrapKey()
	return
}

func (g *gate) Name() (name string) {
	return CName
}

var timeNow = time.Now

func (g *gate) Admit(ctx context.Context, joining crypto.PubKey, proof []byte) (err error) {
	st := time.Now()
	identity := joining.Account()
	defer func() {
		g.metric.RequestLog(ctx, "admission.admit",
			metric.TotalDur(time.Since(st)),
			zap.String("identity", identity),
			zap.Error(err),
		)
	}()

	if !g.conf.Private {
		return nil
	}
	if g.bootstrap != nil && g.bootstrap.Equals(joining) {
		return nil
	}
	if len(proof) == 0 {
		return ErrMissingInvitation
	}

	env, parseErr := invite.Parse(string(proof))
	if parseErr == nil {
		return g.admitEnvelope(env)
	}
	return g.admitRawProof(joining, identity, proof)
}

func (g *gate) admitEnvelope(env invite.Envelope) (err error) {
	if env.CommunityID != g.conf.CommunityID {
		return invite.ErrWrongCommunity
	}
	expiresAt := env.ExpiresAt
	if expiresAt == 0 {
		expiresAt = env.CreatedAt + invite.DefaultValidity.Microseconds()
	}
	if timeNow().UnixMicro() > expiresAt {
		return invite.ErrInvitationExpired
	}
	hubKey, err := g.conf.HubKey()
	if err != nil {
		return
	}
	if err = env.VerifySignature(hubKey); err != nil {
		return
	}
	if g.conf.RequireVouching && env.Voucher == "" {
		return ErrVoucherRequired
	}
	return nil
}

func (g *gate) admitRawProof(joining crypto.PubKey, identity string, proof []byte) (err error) {
	var raw rawProof
	if err = trustfact.Unmarshal(proof, &raw); err != nil {
		return invite.ErrMalformedInvitation
	}
	if len(raw.Signature) == 0 || raw.Timestamp == 0 {
		return invite.ErrMalformedInvitation
	}
	if timeNow().UnixMicro() > raw.Timestamp+invite.DefaultValidity.Microseconds() {
		return invite.ErrInvitationExpired
	}
	ok, err := joining.Verify(RawProofPayload(identity, raw.Timestamp), raw.Signature)
	if err != nil {
		return
	}
	if !ok {
		return invite.ErrInvalidSignature
	}
	if g.conf.RequireVouching && raw.Voucher == "" {
		return ErrVoucherRequired
	}
	log.Debug("admitted on raw proof", zap.String("identity", identity))
	return nil
}
